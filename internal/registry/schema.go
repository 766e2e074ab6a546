package registry

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const casesSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["cases"],
  "additionalProperties": false,
  "properties": {
    "cases": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "question", "oracle"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "question": {"type": "string", "minLength": 1},
          "notes": {"type": "string"},
          "oracle": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["type"],
              "additionalProperties": false,
              "properties": {
                "type": {"enum": ["one_row_per_key", "shape", "row_count", "reference"]},
                "key": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
                "columns": {"type": "integer", "minimum": 1},
                "require": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
                "numeric_columns": {"type": "integer", "minimum": 1},
                "exact": {"type": "integer", "minimum": 0},
                "min": {"type": "integer", "minimum": 0},
                "max": {"type": "integer", "minimum": 0},
                "sql": {"type": "string", "minLength": 1},
                "epsilon": {"type": "number", "exclusiveMinimum": 0},
                "order_sensitive": {"type": "boolean"}
              }
            }
          }
        }
      }
    }
  }
}`

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "seq", "artifacts"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "seq": {"type": "integer", "minimum": 1},
    "parent": {"type": "string"},
    "notes": {"type": "string"},
    "artifacts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind"],
        "additionalProperties": false,
        "properties": {
          "kind": {"enum": ["description", "example"]},
          "scope": {"type": "string"},
          "text": {"type": "string"},
          "question": {"type": "string"},
          "sql": {"type": "string"}
        }
      }
    }
  }
}`

type schemaSet struct {
	cases   *jsonschema.Schema
	configs *jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	for name, text := range map[string]string{
		"cases.schema.json":  casesSchema,
		"config.schema.json": configSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", name)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, errors.Wrapf(err, "add %s", name)
		}
	}
	cases, err := compiler.Compile("cases.schema.json")
	if err != nil {
		return nil, errors.Wrap(err, "compile cases schema")
	}
	configs, err := compiler.Compile("config.schema.json")
	if err != nil {
		return nil, errors.Wrap(err, "compile config schema")
	}
	return &schemaSet{cases: cases, configs: configs}, nil
}

// validateYAML checks raw YAML against a schema. The document goes through a
// JSON round trip first so the validator sees JSON-typed values regardless of
// how the YAML decoder typed them.
func validateYAML(schema *jsonschema.Schema, data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "parse yaml")
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode for validation")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return errors.Wrap(err, "decode for validation")
	}
	return schema.Validate(inst)
}
