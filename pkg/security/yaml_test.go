package security

import (
	"strings"
	"testing"
)

type yamlTarget struct {
	Name  string   `yaml:"name"`
	Items []string `yaml:"items"`
}

func TestDecodeYAML(t *testing.T) {
	var v yamlTarget
	if err := DecodeYAML(strings.NewReader("name: x\nitems: [a, b]\n"), &v, DefaultYAMLLimits()); err != nil {
		t.Fatalf("DecodeYAML() error = %v", err)
	}
	if v.Name != "x" || len(v.Items) != 2 {
		t.Errorf("decoded %+v", v)
	}

	if err := DecodeYAML(strings.NewReader(""), &v, DefaultYAMLLimits()); err != nil {
		t.Errorf("empty document: %v", err)
	}
}

func TestDecodeYAML_Limits(t *testing.T) {
	limits := YAMLLimits{MaxBytes: 64, MaxDepth: 2, MaxNodes: 20, MaxKeyLength: 8}

	tests := map[string]string{
		"unknown field": "nmae: x\n",
		"too large":     "name: " + strings.Repeat("x", 100) + "\n",
		"too deep":      "a:\n  b:\n    c:\n      d: 1\n",
		"long key":      "averyverylongkey: 1\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			var v yamlTarget
			if err := DecodeYAML(strings.NewReader(doc), &v, limits); err == nil {
				t.Error("expected error")
			}
		})
	}
}
