package catalog

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// capabilitySchemaJSON constrains entry frontmatter before struct mapping.
// Unknown keys are tolerated so catalog authors can carry extra annotations.
const capabilitySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "description"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9-]*$"},
    "description": {"type": "string", "minLength": 1},
    "model": {"type": "string"},
    "role": {"type": "string"},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "fallback_agents": {"type": "array", "items": {"type": "string"}}
  }
}`

var capabilitySchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(capabilitySchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("capability schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("capability.schema.json", doc); err != nil {
		panic(fmt.Sprintf("capability schema: %v", err))
	}
	schema, err := c.Compile("capability.schema.json")
	if err != nil {
		panic(fmt.Sprintf("capability schema: %v", err))
	}
	return schema
}
