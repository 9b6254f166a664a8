package mission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// supportedSchema is the semver range of mission spec schema versions this
// build understands. Specs omitting schema_version default to 1.0.0.
const supportedSchema = ">= 1.0.0, < 2.0.0"

const schemaURL = "https://tillerworks.io/schemas/mission.schema.json"

// missionSchema is the JSON Schema applied before structural validation.
// It catches shape errors (wrong types, missing required fields) so the
// compiler's semantic validation can assume a well-formed document.
const missionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["mission_id", "title", "intent", "workflow"],
  "properties": {
    "schema_version": {"type": "string"},
    "mission_id": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1},
    "intent": {"type": "string", "minLength": 1},
    "scope": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["root"],
        "properties": {
          "root": {"type": "string", "minLength": 1},
          "ref": {"type": "string"},
          "revision": {"type": "string"}
        }
      }
    },
    "workflow": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "minProperties": 1,
        "maxProperties": 1,
        "properties": {
          "step": {"$ref": "#/$defs/step"},
          "loop": {"$ref": "#/$defs/loop"}
        },
        "additionalProperties": false
      }
    },
    "mandate": {
      "type": "object",
      "required": ["mandate_id", "risk_tier"],
      "properties": {
        "mandate_id": {"type": "string", "minLength": 1},
        "budget_limit": {"type": "integer", "minimum": 0},
        "budget_unit": {"type": "string"},
        "max_iterations": {"type": "integer", "minimum": 0},
        "authorized_specialists": {"type": "array", "items": {"type": "string"}},
        "tool_allowlist": {"type": "array", "items": {"type": "string"}},
        "risk_tier": {"enum": ["R0", "R1", "R2", "R3", "R4"]},
        "approval_state": {"enum": ["auto", "pending"]}
      }
    },
    "evidence": {
      "type": "object",
      "properties": {
        "retain": {"type": "array", "items": {"type": "string"}},
        "export": {"type": "string"}
      }
    }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step_name", "agent"],
      "properties": {
        "step_name": {"type": "string", "minLength": 1},
        "agent": {"type": "string", "minLength": 1},
        "inputs": {"type": "object", "additionalProperties": {"type": "string"}},
        "outputs": {"type": "array", "items": {"type": "string"}},
        "depends_on": {"type": "array", "items": {"type": "string"}},
        "condition": {"type": "string"},
        "tools": {"type": "array", "items": {"type": "string"}},
        "risk_tier": {"enum": ["R0", "R1", "R2", "R3", "R4"]}
      }
    },
    "loop": {
      "type": "object",
      "required": ["name", "max_iterations", "steps"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "until": {"type": "string"},
        "max_iterations": {"type": "integer", "minimum": 1},
        "gates": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["type"],
            "properties": {
              "name": {"type": "string"},
              "type": {"enum": ["test_pass", "approval", "custom"]},
              "command": {"type": "string"},
              "approvers": {"type": "array", "items": {"type": "string"}},
              "condition": {"type": "string"}
            }
          }
        },
        "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/step"}}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(missionSchema)); err != nil {
		panic(fmt.Sprintf("mission schema resource: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("mission schema compile: %v", err))
	}
	return s
}

// Load reads a mission spec from path. YAML and JSON are both accepted;
// the file extension selects the decoder.
func Load(path string) (*MissionSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mission: read %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return ParseJSON(raw)
	default:
		return ParseYAML(raw)
	}
}

// ParseYAML decodes, schema-validates, and version-checks a YAML spec.
func ParseYAML(raw []byte) (*MissionSpec, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("mission: yaml decode failed: %w", err)
	}
	if err := validateShape(doc); err != nil {
		return nil, err
	}
	var spec MissionSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("mission: yaml decode failed: %w", err)
	}
	if err := checkSchemaVersion(spec.SchemaVersion); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ParseJSON decodes, schema-validates, and version-checks a JSON spec.
func ParseJSON(raw []byte) (*MissionSpec, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("mission: json decode failed: %w", err)
	}
	if err := validateShape(doc); err != nil {
		return nil, err
	}
	var spec MissionSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("mission: json decode failed: %w", err)
	}
	if err := checkSchemaVersion(spec.SchemaVersion); err != nil {
		return nil, err
	}
	return &spec, nil
}

// validateShape runs the JSON Schema over a decoded document. The document
// is round-tripped through encoding/json so the validator sees JSON-native
// types regardless of which decoder produced it.
func validateShape(doc any) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("mission: normalize failed: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(buf, &normalized); err != nil {
		return fmt.Errorf("mission: normalize failed: %w", err)
	}
	if err := compiledSchema.Validate(normalized); err != nil {
		return fmt.Errorf("mission: schema validation failed: %w", err)
	}
	return nil
}

func checkSchemaVersion(version string) error {
	if version == "" {
		version = "1.0.0"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("mission: bad schema_version %q: %w", version, err)
	}
	constraint, err := semver.NewConstraint(supportedSchema)
	if err != nil {
		return fmt.Errorf("mission: bad supported range: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("mission: schema_version %s outside supported range %q", version, supportedSchema)
	}
	return nil
}
