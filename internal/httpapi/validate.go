package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const clipRequestSchemaJSON = `{
	"type": "object",
	"required": ["operation", "payload"],
	"additionalProperties": false,
	"properties": {
		"operation": {
			"type": "string",
			"enum": ["append_block_children", "create_page", "update_page"]
		},
		"targetId": {"type": "string", "minLength": 1},
		"insertionMode": {"type": "string", "minLength": 1},
		"anchorId": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

var clipRequestSchema = mustCompileSchema("clip-request.json", clipRequestSchemaJSON)

func mustCompileSchema(name, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("schema %s does not parse: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s does not load: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s does not compile: %v", name, err))
	}
	return schema
}

// validateClipRequest checks the enqueue body shape before it is decoded, so
// malformed requests are rejected with a field-level message instead of a
// generic decode error.
func validateClipRequest(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("request body is not valid JSON")
	}
	if err := clipRequestSchema.Validate(instance); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return fmt.Errorf("request does not match clip schema: %s", validationErr.Error())
		}
		return err
	}
	return nil
}
