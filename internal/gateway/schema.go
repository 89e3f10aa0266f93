package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request bodies are validated against JSON Schemas before decoding, so
// handlers only ever see well-shaped input.

var triggerSchema = jsonschema.MustCompileString("trigger.json", `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string"},
		"prompt": {"type": "string", "minLength": 1}
	},
	"required": ["prompt"],
	"additionalProperties": false
}`)

var resumeSchema = jsonschema.MustCompileString("resume.json", `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"answer": {"type": "string", "minLength": 1}
	},
	"required": ["sessionId", "answer"],
	"additionalProperties": false
}`)

var resolveSchema = jsonschema.MustCompileString("resolve.json", `{
	"type": "object",
	"properties": {
		"action": {"enum": ["approve", "decline"]},
		"approve": {"type": "boolean"},
		"token": {"type": "string"}
	},
	"anyOf": [
		{"required": ["action"]},
		{"required": ["approve"]}
	],
	"additionalProperties": false
}`)

var workflowCreateSchema = jsonschema.MustCompileString("workflow_create.json", `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"code": {"type": "string", "minLength": 1},
		"triggerType": {"enum": ["manual", "cron", "webhook"]},
		"cronExpr": {"type": "string"},
		"eventPlugin": {"type": "string"},
		"eventAction": {"type": "string"},
		"status": {"enum": ["active", "paused"]},
		"notify": {"$ref": "#/$defs/notify"}
	},
	"required": ["name", "code", "triggerType"],
	"additionalProperties": false,
	"$defs": {
		"notify": {
			"type": "object",
			"properties": {
				"channel": {"enum": ["telegram", "whatsapp"]},
				"chat_id": {"type": "string", "minLength": 1}
			},
			"required": ["channel", "chat_id"],
			"additionalProperties": false
		}
	}
}`)

var workflowUpdateSchema = jsonschema.MustCompileString("workflow_update.json", `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"code": {"type": "string"},
		"triggerType": {"enum": ["manual", "cron", "webhook"]},
		"cronExpr": {"type": "string"},
		"eventPlugin": {"type": "string"},
		"eventAction": {"type": "string"},
		"status": {"enum": ["active", "paused", "archived"]},
		"notify": {"$ref": "#/$defs/notify"}
	},
	"minProperties": 1,
	"additionalProperties": false,
	"$defs": {
		"notify": {
			"type": "object",
			"properties": {
				"channel": {"enum": ["telegram", "whatsapp"]},
				"chat_id": {"type": "string", "minLength": 1}
			},
			"required": ["channel", "chat_id"],
			"additionalProperties": false
		}
	}
}`)

// decodeBody reads, schema-validates, and decodes one request body.
func decodeBody(r *http.Request, schema *jsonschema.Schema, out any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("body must be JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return json.Unmarshal(data, out)
}
