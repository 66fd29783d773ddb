package proptree

import "strings"

// Load auto-detects whether data is JSON (first non-blank character is '{')
// or text-property format and parses it accordingly, mirroring the device
// launcher's config-file auto-detection.
func Load(data string) (*Node, error) {
	trimmed := strings.TrimLeft(data, " \t\r\n")
	if strings.HasPrefix(trimmed, "{") {
		return LoadJSON(data)
	}
	return LoadText(data), nil
}
