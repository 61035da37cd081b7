package engine

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// decisionArraySchema is the structural contract for a final oracle
// response. Per-action field requirements are enforced afterwards at
// the ledger boundary, so the schema stays permissive about keys.
const decisionArraySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["action"],
    "properties": {
      "action": {"type": "string", "minLength": 1},
      "symbol": {"type": "string"},
      "leverage": {"type": "number"},
      "reasoning": {"type": "string"}
    }
  }
}`

var compiledDecisionSchema = jsonschema.MustCompileString("decisions.json", decisionArraySchema)

// validateDecisionShape checks raw against the array schema.
func validateDecisionShape(raw string) error {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := compiledDecisionSchema.Validate(doc); err != nil {
		return fmt.Errorf("decision array rejected: %w", err)
	}
	return nil
}
