package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// asJSON returns the config bytes as JSON regardless of the on-disk
// format, so a single strict decoder handles both. Files with a .yaml
// or .yml extension are decoded as YAML and re-marshaled; anything
// else is assumed to already be JSON. The second return names the
// detected format for error messages.
func asJSON(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml to json: %w", err)
	}
	return out, "yaml", nil
}

// stringifyKeys rewrites YAML's map[any]any nodes into map[string]any
// so json.Marshal accepts the tree.
func stringifyKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringifyKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringifyKeys(v)
		}
		return n
	}
	return node
}
