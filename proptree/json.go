package proptree

import (
	"encoding/json"
)

// LoadJSON parses a JSON subset into a property tree. Object members become
// named children; array members become repeated named children carrying
// the array's element name (the array itself collapses into a sibling run
// rather than being represented as a node of its own). Strings and numbers
// become leaf string values. The top-level object becomes the child list of
// a synthetic "root" node.
func LoadJSON(data string) (*Node, error) {
	var raw any
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		raw = map[string]any{}
	}
	root := New("root", nil)
	obj, ok := raw.(map[string]any)
	if !ok {
		return root, nil
	}
	for name, value := range obj {
		loadElement(root, name, value)
	}
	return root, nil
}

func loadElement(parent *Node, name string, value any) {
	switch v := value.(type) {
	case map[string]any:
		node := New(name, parent)
		for childName, childValue := range v {
			loadElement(node, childName, childValue)
		}
	case []any:
		for _, item := range v {
			node := New(name, parent)
			setLeafValue(node, item)
		}
	default:
		node := New(name, parent)
		setLeafValue(node, v)
	}
}

func setLeafValue(node *Node, value any) {
	switch v := value.(type) {
	case string:
		node.SetString(v)
	case float64:
		if v == float64(int64(v)) {
			node.SetPrintf("%d", int64(v))
		} else {
			node.SetPrintf("%g", v)
		}
	case bool:
		node.SetPrintf("%t", v)
	case nil:
		node.SetString("")
	default:
		node.SetPrintf("%v", v)
	}
}
