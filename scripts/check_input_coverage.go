//go:build tools
// +build tools

package main

import (
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Schema represents a JSON Schema object from input.schema.json
type Schema struct {
	Type       string            `json:"type"`
	Properties map[string]Schema `json:"properties"`
	Required   []string          `json:"required"`
}

// sections maps a schema path to the Go struct that must cover it.
var sections = map[string]string{
	"":        "Input",
	"policy":  "PolicyInput",
	"session": "SessionInput",
}

// getRequiredFields returns the required property names of every section.
func getRequiredFields(schemaPath string) (map[string][]string, error) {
	data, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}

	required := make(map[string][]string)
	for section := range sections {
		node := schema
		if section != "" {
			var ok bool
			node, ok = schema.Properties[section]
			if !ok {
				return nil, fmt.Errorf("schema has no %q property", section)
			}
		}
		required[section] = node.Required
	}
	return required, nil
}

// getStructTags returns the json tag names of the exported fields of each
// struct declared in path.
func getStructTags(path string) (map[string]map[string]bool, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		return nil, err
	}

	structs := make(map[string]map[string]bool)
	ast.Inspect(file, func(n ast.Node) bool {
		spec, ok := n.(*ast.TypeSpec)
		if !ok {
			return true
		}
		st, ok := spec.Type.(*ast.StructType)
		if !ok {
			return true
		}
		tags := make(map[string]bool)
		for _, field := range st.Fields.List {
			if field.Tag == nil {
				continue
			}
			raw, err := strconv.Unquote(field.Tag.Value)
			if err != nil {
				continue
			}
			name, _, _ := strings.Cut(reflect.StructTag(raw).Get("json"), ",")
			if name != "" && name != "-" {
				tags[name] = true
			}
		}
		structs[spec.Name.Name] = tags
		return true
	})
	return structs, nil
}

func main() {
	required, err := getRequiredFields("policy/input.schema.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input schema: %v\n", err)
		os.Exit(1)
	}

	structs, err := getStructTags("internal/engine/opa/engine.go")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error scanning input types: %v\n", err)
		os.Exit(1)
	}

	var missing []string
	for section, typeName := range sections {
		tags, ok := structs[typeName]
		if !ok {
			missing = append(missing, fmt.Sprintf("type %s not found", typeName))
			continue
		}
		for _, field := range required[section] {
			if !tags[field] {
				missing = append(missing, fmt.Sprintf("%s.%s (schema %q)", typeName, field, section))
			}
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		fmt.Fprintf(os.Stderr, "ERROR: The following required input fields are not populated by the Go input types:\n")
		for _, m := range missing {
			fmt.Fprintf(os.Stderr, "  - %s\n", m)
		}
		os.Exit(1)
	}

	fmt.Println("SUCCESS: The Go input types cover every required schema field.")
}
