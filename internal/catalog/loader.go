package catalog

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// sortOrderDefault places titles without an explicit sort-order after
// every ordered one.
const sortOrderDefault = 999

type rawDefinition struct {
	DisplayName string             `yaml:"display-name"`
	Attributes  map[string]float64 `yaml:"attributes"`
	Unlock      yaml.Node          `yaml:"unlock"`
	Default     bool               `yaml:"default"`
	Hidden      bool               `yaml:"hidden"`
	SortOrder   *int               `yaml:"sort-order"`
	Purchase    map[string]any     `yaml:"purchase"`
}

type rawFile struct {
	Titles yaml.Node `yaml:"titles"`
}

// Load reads and parses a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return cat, nil
}

// Parse decodes a catalog document. Unlock rules keep the order they
// appear in; the YAML decoder would otherwise hand them back as an
// unordered map.
func Parse(data []byte) (*Catalog, error) {
	var file rawFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Titles.Kind == 0 {
		return New(nil), nil
	}
	if file.Titles.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("titles: expected mapping, got %s", nodeKind(file.Titles.Kind))
	}
	defs := make([]Definition, 0, len(file.Titles.Content)/2)
	for i := 0; i+1 < len(file.Titles.Content); i += 2 {
		id := file.Titles.Content[i].Value
		var raw rawDefinition
		if err := file.Titles.Content[i+1].Decode(&raw); err != nil {
			return nil, fmt.Errorf("title %s: %w", id, err)
		}
		def, err := buildDefinition(id, raw)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return New(defs), nil
}

func buildDefinition(id string, raw rawDefinition) (Definition, error) {
	def := Definition{
		ID:          id,
		DisplayName: raw.DisplayName,
		Bonuses:     raw.Attributes,
		Default:     raw.Default,
		Hidden:      raw.Hidden,
		SortOrder:   sortOrderDefault,
		Purchase:    raw.Purchase,
	}
	if raw.SortOrder != nil {
		def.SortOrder = *raw.SortOrder
	}
	if def.DisplayName == "" {
		def.DisplayName = id
	}
	if raw.Unlock.Kind == 0 {
		return def, nil
	}
	if raw.Unlock.Kind != yaml.MappingNode {
		return def, fmt.Errorf("title %s: unlock: expected mapping, got %s", id, nodeKind(raw.Unlock.Kind))
	}
	for i := 0; i+1 < len(raw.Unlock.Content); i += 2 {
		key := raw.Unlock.Content[i].Value
		value, err := scalarRuleValue(raw.Unlock.Content[i+1])
		if err != nil {
			return def, fmt.Errorf("title %s: unlock %s: %w", id, key, err)
		}
		def.Rules = append(def.Rules, Rule{Key: key, Value: value})
	}
	return def, nil
}

func scalarRuleValue(node *yaml.Node) (RuleValue, error) {
	if node.Kind != yaml.ScalarNode {
		return RuleValue{}, fmt.Errorf("expected scalar, got %s", nodeKind(node.Kind))
	}
	text := node.Value
	switch strings.ToLower(text) {
	case "true":
		return BoolValue(true), nil
	case "false":
		return BoolValue(false), nil
	}
	if number, err := strconv.ParseFloat(text, 64); err == nil && node.Tag != "!!str" {
		return NumberValue(number), nil
	}
	return TextValue(text), nil
}

func nodeKind(kind yaml.Kind) string {
	switch kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}
