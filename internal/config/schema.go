package config

import (
	"encoding/json"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Structural schema applied to the expanded config before typed decoding.
// Semantic rules (threshold ordering, ceilings) live in Config.validate.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["host", "cluster", "paths", "templates"],
  "properties": {
    "host": {
      "type": "object",
      "required": ["interface"],
      "properties": {
        "interface": {"type": "string", "minLength": 1},
        "ip": {"type": "string"},
        "rlimit_nofile": {"type": "integer", "minimum": 0}
      }
    },
    "resources": {
      "type": "object",
      "properties": {
        "max_cpu_percent": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
        "max_ram_percent": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
        "throttle_t1": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
        "throttle_t2": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
        "throttle_t3": {"type": "number", "exclusiveMinimum": 0, "maximum": 100}
      }
    },
    "cluster": {
      "type": "object",
      "properties": {
        "profile": {"type": "string"},
        "region": {"type": "string"},
        "domain": {"type": "string"},
        "endpoint": {"type": "string"},
        "index_prefix": {"type": "string"},
        "bulk_size": {"type": "integer", "minimum": 1}
      }
    },
    "workers": {
      "type": "object",
      "properties": {
        "metrics_port": {"type": "integer", "minimum": 1, "maximum": 65535}
      }
    },
    "paths": {
      "type": "object",
      "required": ["compose_file", "shipper_config", "sniffer_config", "ram_log"],
      "properties": {
        "compose_file": {"type": "string", "minLength": 1},
        "shipper_config": {"type": "string", "minLength": 1},
        "sniffer_config": {"type": "string", "minLength": 1},
        "ram_log": {"type": "string", "minLength": 1},
        "buffer_dir": {"type": "string"},
        "buffer_max_bytes": {"type": "integer", "minimum": 0}
      }
    },
    "templates": {
      "type": "object",
      "required": ["shipper", "sniffer"],
      "properties": {
        "shipper": {"type": "string", "minLength": 1},
        "sniffer": {"type": "string", "minLength": 1}
      }
    },
    "policy": {
      "type": "object",
      "properties": {
        "retry_attempts": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("config.schema.json", configSchema)

// validateSchema decodes the TOML generically and checks it against the
// structural schema. The TOML map is round-tripped through JSON so the
// validator sees plain JSON values.
func validateSchema(data []byte) error {
	var generic map[string]any
	if err := toml.Unmarshal(data, &generic); err != nil {
		return err
	}
	b, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := compiledSchema.Validate(doc); err != nil {
		// The validator's multi-line output is noisy in a one-line log world.
		return jsonschemaOneLine(err)
	}
	return nil
}

func jsonschemaOneLine(err error) error {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		return &flatError{msg: strings.ReplaceAll(ve.Error(), "\n", "; ")}
	}
	return err
}

type flatError struct{ msg string }

func (e *flatError) Error() string { return e.msg }
