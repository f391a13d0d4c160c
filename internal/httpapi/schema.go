package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const sendMessageSchemaURL = "https://convrelay.local/schemas/send-message.json"

const sendMessageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "conversationSid": {"type": "string", "maxLength": 64},
    "message": {"type": "string", "minLength": 1, "maxLength": 32768}
  },
  "required": ["message"]
}`

func compileSendMessageSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sendMessageSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(sendMessageSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(sendMessageSchemaURL)
}

// mustSendMessageSchema panics only if the embedded schema is malformed.
func mustSendMessageSchema() *jsonschema.Schema {
	sch, err := compileSendMessageSchema()
	if err != nil {
		panic(fmt.Sprintf("compile send message schema: %v", err))
	}
	return sch
}

func validateAgainst(sch *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
