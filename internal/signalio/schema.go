package signalio

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const signalSchemaJSON = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["timestamp", "action", "fraction"],
    "properties": {
      "timestamp": {"type": "integer", "minimum": 1},
      "action": {"enum": ["buy", "sell", "hold"]},
      "fraction": {"type": "number", "minimum": 0, "maximum": 1},
      "regime": {"type": "string"},
      "reason": {"type": "string"}
    }
  }
}`

const perfectSchemaJSON = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["timestamp", "best_hold_days", "best_return"],
    "properties": {
      "timestamp": {"type": "integer", "minimum": 1},
      "best_hold_days": {"type": "integer", "minimum": 0},
      "best_return": {"type": "number"},
      "best_max_dd": {"type": "number", "maximum": 0}
    }
  }
}`

var (
	signalSchema  = jsonschema.MustCompileString("signal.schema.json", signalSchemaJSON)
	perfectSchema = jsonschema.MustCompileString("perfect_signal.schema.json", perfectSchemaJSON)
)

func validateAgainst(schema *jsonschema.Schema, doc any, kind string) error {
	if err := schema.Validate(doc); err != nil {
		msg := err.Error()
		if idx := strings.IndexByte(msg, '\n'); idx > 0 {
			msg = msg[:idx]
		}
		return fmt.Errorf("%s file schema violation: %s", kind, msg)
	}
	return nil
}
