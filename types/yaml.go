package types

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDescriptorYAML builds a descriptor from a YAML declaration. This is
// how the command line tools describe a context shape without Go code:
//
//	name: Post
//	fields:
//	  title: string
//	  tags: list[string]
//	  author:
//	    name: string
//
// A scalar value is a type expression; a nested mapping declares an
// inline struct. All fields read from map[string]any receivers, so a
// YAML-described context is rendered against plain maps.
func LoadDescriptorYAML(data []byte) (*Descriptor, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid context declaration: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty context declaration")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("context declaration must be a mapping")
	}

	name := "Context"
	var fieldsNode *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "name":
			name = value.Value
		case "fields":
			fieldsNode = value
		default:
			return nil, fmt.Errorf("line %d: unknown key %q", key.Line, key.Value)
		}
	}
	if fieldsNode == nil {
		return nil, fmt.Errorf("context declaration has no fields")
	}
	return descriptorFromNode(name, fieldsNode)
}

func descriptorFromNode(name string, node *yaml.Node) (*Descriptor, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: fields of %s must be a mapping", node.Line, name)
	}

	desc := NewDescriptor(name)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		typ, err := typeFromNode(name+"."+key.Value, value)
		if err != nil {
			return nil, err
		}
		desc.AddField(key.Value, typ, MapGetter(key.Value))
	}
	return desc, nil
}

func typeFromNode(path string, node *yaml.Node) (*Type, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		typ, err := ParseType(node.Value)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", node.Line, path, err)
		}
		return typ, nil
	case yaml.MappingNode:
		desc, err := descriptorFromNode(path, node)
		if err != nil {
			return nil, err
		}
		return StructOf(desc), nil
	default:
		return nil, fmt.Errorf("line %d: %s: expected a type expression or mapping", node.Line, path)
	}
}

// ParseType parses a type expression such as "string", "list[int]" or
// "map[list[string]]".
func ParseType(expr string) (*Type, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "string":
		return String, nil
	case "int":
		return Int, nil
	case "float":
		return Float, nil
	case "bool":
		return Bool, nil
	case "safe":
		return Safe, nil
	}

	for _, ctor := range []struct {
		prefix string
		make   func(*Type) *Type
	}{
		{"list[", ListOf},
		{"map[", MapOf},
	} {
		if strings.HasPrefix(expr, ctor.prefix) && strings.HasSuffix(expr, "]") {
			inner := expr[len(ctor.prefix) : len(expr)-1]
			elem, err := ParseType(inner)
			if err != nil {
				return nil, err
			}
			return ctor.make(elem), nil
		}
	}
	return nil, fmt.Errorf("unknown type %q", expr)
}
