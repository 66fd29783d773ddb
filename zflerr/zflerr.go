// Package zflerr defines the sentinel errors Device wraps with
// fmt.Errorf("...: %w", ...) at each call site, so a caller can tell a bad
// configuration tree apart from a fabric failure via errors.Is.
package zflerr

import "errors"

var (
	// ErrConfig marks a configuration error: a missing required property,
	// a missing service, or an unknown device type.
	ErrConfig = errors.New("zfl: configuration error")

	// ErrFabric marks a bind/connect/set-option failure against the
	// messaging fabric.
	ErrFabric = errors.New("zfl: fabric error")
)
