package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds untrusted YAML documents.
type YAMLLimits struct {
	MaxBytes     int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
}

// DefaultYAMLLimits suit configuration files.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxBytes:     1 << 20,
		MaxDepth:     16,
		MaxNodes:     5000,
		MaxKeyLength: 256,
	}
}

// DecodeYAML reads one YAML document from r into v after checking it
// against limits. Unknown fields in v's struct types are rejected.
func DecodeYAML(r io.Reader, v any, limits YAMLLimits) error {
	data, err := io.ReadAll(io.LimitReader(r, limits.MaxBytes+1))
	if err != nil {
		return fmt.Errorf("read yaml: %w", err)
	}
	if int64(len(data)) > limits.MaxBytes {
		return fmt.Errorf("yaml exceeds %d bytes", limits.MaxBytes)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	w := &yamlWalker{limits: limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

type yamlWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *yamlWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("yaml nesting deeper than %d", w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("yaml has more than %d nodes", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if len(node.Content[i].Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("yaml key longer than %d bytes", w.limits.MaxKeyLength)
			}
		}
	case yaml.AliasNode:
		// Aliases are expanded by the decoder; count their targets so
		// anchor bombs hit the node limit.
		if node.Alias != nil {
			return w.walk(node.Alias, depth+1)
		}
		return nil
	}

	next := depth + 1
	if node.Kind == yaml.DocumentNode {
		next = depth
	}
	for _, child := range node.Content {
		if err := w.walk(child, next); err != nil {
			return err
		}
	}
	return nil
}
