package gateway

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Frame schemas are compiled once; a failure there is a programming error
// surfaced on first use.
type schemaRegistry struct {
	once    sync.Once
	initErr error
	hello   *jsonschema.Schema
	request *jsonschema.Schema
	pair    *jsonschema.Schema
}

var frameSchemas schemaRegistry

func initSchemas() error {
	frameSchemas.once.Do(func() {
		compile := func(name, src string) *jsonschema.Schema {
			if frameSchemas.initErr != nil {
				return nil
			}
			s, err := jsonschema.CompileString(name, src)
			if err != nil {
				frameSchemas.initErr = err
				return nil
			}
			return s
		}
		frameSchemas.hello = compile("hello", helloSchema)
		frameSchemas.request = compile("request", requestSchema)
		frameSchemas.pair = compile("pair-request", pairRequestSchema)
	})
	return frameSchemas.initErr
}

// validateFrame checks the raw frame against the schema for its type.
// Types without a schema (ping, pong) pass through.
func validateFrame(raw []byte, frameType string) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var schema *jsonschema.Schema
	switch frameType {
	case FrameHello:
		schema = frameSchemas.hello
	case FrameRequest:
		schema = frameSchemas.request
	case FramePairRequest:
		schema = frameSchemas.pair
	default:
		return nil
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

const helloSchema = `{
  "type": "object",
  "required": ["type", "nodeId", "token"],
  "properties": {
    "type": { "const": "hello" },
    "nodeId": { "type": "string", "minLength": 1 },
    "token": { "type": "string", "minLength": 1 },
    "displayName": { "type": "string" },
    "platform": { "type": "string" },
    "version": { "type": "string" }
  },
  "additionalProperties": true
}`

const requestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "request" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const pairRequestSchema = `{
  "type": "object",
  "required": ["type", "nodeId"],
  "properties": {
    "type": { "const": "pair-request" },
    "nodeId": { "type": "string", "minLength": 1 },
    "displayName": { "type": "string" },
    "platform": { "type": "string" },
    "version": { "type": "string" }
  },
  "additionalProperties": true
}`
