package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// coerceToJSONBytes returns data as JSON regardless of the file's format,
// plus a label ("json" or "yaml") for logging. YAML input is decoded
// generically and re-encoded so the caller can keep a single strict JSON
// decode path.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	if !isYAMLPath(path) {
		return data, "json", nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("parse yaml: %w", err)
	}
	jb, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("convert yaml to json: %w", err)
	}
	return jb, "yaml", nil
}

// normalizeYAML rewrites map[any]any keys as strings so the tree can pass
// through encoding/json.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

// marshalForPath encodes cfg in the format the file extension implies.
// The YAML branch round-trips through JSON so the json struct tags decide
// the key names in both formats. HTML escaping stays off: grades URLs
// carry ? and & and should survive a rewrite readable.
func marshalForPath(path string, cfg *Config) ([]byte, error) {
	if isYAMLPath(path) {
		jb, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		var doc any
		if err := json.Unmarshal(jb, &doc); err != nil {
			return nil, err
		}
		return yaml.Marshal(doc)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
