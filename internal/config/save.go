// Package config provides configuration types, defaults, and persistence for pont.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Set updates a single dotted-path key (e.g. "worker.model" or "port")
// in the config file. This preserves comments and formatting in other
// sections by using yaml.Node. Missing intermediate sections are created.
func Set(configPath string, keyPath string, value string) error {
	keys := splitKeyPath(keyPath)
	if len(keys) == 0 {
		return fmt.Errorf("empty config key")
	}

	// Read existing file content
	data, err := os.ReadFile(configPath) //nolint:gosec // G304: path is the user's config file
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// Empty or new file - create document structure
	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return fmt.Errorf("unexpected config document structure")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config root is not a mapping")
	}

	// Walk (and create) intermediate mappings, then set the leaf scalar
	node := root
	for _, key := range keys[:len(keys)-1] {
		child := findMapValue(node, key)
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: key},
				child,
			)
		}
		if child.Kind != yaml.MappingNode {
			return fmt.Errorf("config key %q is not a section", key)
		}
		node = child
	}

	leaf := keys[len(keys)-1]
	valueNode := scalarNode(value)
	if existing := findMapValue(node, leaf); existing != nil {
		// Replace in place, keeping any head comment attached to the key
		*existing = *valueNode
	} else {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: leaf},
			valueNode,
		)
	}

	// Marshal back to YAML
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// Get reads a single dotted-path key from the config file. Scalar values
// are returned as-is; sections are returned as rendered YAML.
func Get(configPath string, keyPath string) (string, error) {
	keys := splitKeyPath(keyPath)
	if len(keys) == 0 {
		return "", fmt.Errorf("empty config key")
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: path is the user's config file
	if err != nil {
		return "", fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parsing config: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return "", fmt.Errorf("config key %q not found", keyPath)
	}

	node := doc.Content[0]
	for _, key := range keys {
		if node.Kind != yaml.MappingNode {
			return "", fmt.Errorf("config key %q not found", keyPath)
		}
		node = findMapValue(node, key)
		if node == nil {
			return "", fmt.Errorf("config key %q not found", keyPath)
		}
	}

	if node.Kind == yaml.ScalarNode {
		return node.Value, nil
	}

	// Render non-scalar values as YAML
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(node); err != nil {
		return "", fmt.Errorf("marshaling value: %w", err)
	}
	_ = encoder.Close()
	return strings.TrimRight(buf.String(), "\n"), nil
}

// splitKeyPath splits a dotted key path, dropping empty segments.
func splitKeyPath(keyPath string) []string {
	var keys []string
	for _, k := range strings.Split(keyPath, ".") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// findMapValue returns the value node for key within a mapping node,
// or nil when absent.
func findMapValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i < len(mapping.Content)-1; i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// scalarNode builds a scalar value node, letting YAML infer bool/int/float
// types so `pont config set port 8080` stores a number, not a string.
func scalarNode(value string) *yaml.Node {
	node := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	switch {
	case value == "true" || value == "false":
	case isNumeric(value):
	default:
		// Force string tag for anything else so values like "no" or
		// "on" do not round-trip as YAML booleans.
		node.Tag = "!!str"
	}
	return node
}

func isNumeric(s string) bool {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return true
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(configPath string, data []byte) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".pont.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
