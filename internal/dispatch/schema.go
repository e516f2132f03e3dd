package dispatch

import (
	"bytes"
	"fmt"
	"strings"

	"offlinesync/internal/model"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchemas 各动作类型的载荷结构
var payloadSchemas = map[model.ActionType]string{
	model.ActionTypeDeviceReading: `{
		"type": "object",
		"required": ["deviceId", "reading"],
		"properties": {
			"deviceId": {"type": "string", "minLength": 1},
			"reading": {"type": ["object", "number", "string", "array"]},
			"timestamp": {"type": ["number", "string"]}
		}
	}`,
	model.ActionTypeUserPreferenceUpdate: `{
		"type": "object",
		"required": ["preferences"],
		"properties": {
			"preferences": {"type": "object"}
		}
	}`,
	model.ActionTypeDeviceStatusUpdate: `{
		"type": "object",
		"required": ["deviceId", "status"],
		"properties": {
			"deviceId": {"type": "string", "minLength": 1},
			"status": {"type": "object"}
		}
	}`,
	model.ActionTypeZoneUpdate: `{
		"type": "object",
		"required": ["updates"],
		"properties": {
			"zoneId": {"type": ["string", "null"]},
			"updates": {
				"type": "object",
				"properties": {
					"name": {"type": "string"}
				}
			}
		}
	}`,
	model.ActionTypeActivityLog: `{
		"type": "object",
		"required": ["event"],
		"properties": {
			"event": {"type": "string", "minLength": 1},
			"properties": {"type": ["object", "null"]}
		}
	}`,
}

type schemaSet map[model.ActionType]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	set := make(schemaSet, len(payloadSchemas))

	for actionType, raw := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("解析 %s 载荷结构失败: %w", actionType, err)
		}
		url := fmt.Sprintf("mem://payload/%s.json", actionType)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("注册 %s 载荷结构失败: %w", actionType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("编译 %s 载荷结构失败: %w", actionType, err)
		}
		set[actionType] = schema
	}
	return set, nil
}

func (s schemaSet) validate(actionType model.ActionType, payload []byte) error {
	schema, ok := s[actionType]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("Invalid payload for %s: %v", actionType, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("Invalid payload for %s: %v", actionType, err)
	}
	return nil
}
