package zotsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Job metadata is free-form JSON in the wire model but each job type accepts
// only its own keys. Schemas are compiled once and reused.

const fullSyncMetadataSchema = `{
	"type": "object",
	"properties": {
		"reason": {"type": "string"},
		"requested_by": {"type": "string"}
	},
	"additionalProperties": false
}`

const incrementalSyncMetadataSchema = `{
	"type": "object",
	"properties": {
		"reason": {"type": "string"},
		"requested_by": {"type": "string"},
		"since_version": {"type": "integer", "minimum": 0},
		"event_id": {"type": "string"},
		"topic": {"type": "string"}
	},
	"additionalProperties": false
}`

const webhookTriggeredMetadataSchema = `{
	"type": "object",
	"properties": {
		"event_id": {"type": "string"},
		"topic": {"type": "string"},
		"reason": {"type": "string"},
		"item_keys": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"maxItems": 200
		}
	},
	"additionalProperties": false
}`

const manualSyncMetadataSchema = `{
	"type": "object",
	"properties": {
		"reason": {"type": "string"},
		"requested_by": {"type": "string"},
		"force": {"type": "boolean"}
	},
	"additionalProperties": false
}`

const webhookPayloadSchema = `{
	"type": "object",
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"topic": {"type": "string"},
		"library_id": {"type": "string"},
		"version": {"type": "integer", "minimum": 0},
		"item_keys": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"maxItems": 200
		}
	},
	"required": ["event"],
	"additionalProperties": true
}`

var schemaInit struct {
	once     sync.Once
	err      error
	metadata map[JobType]*jsonschema.Schema
	payload  *jsonschema.Schema
}

func compileSchemas() error {
	schemaInit.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		sources := map[string]string{
			"zotsync://metadata/full_sync.json":         fullSyncMetadataSchema,
			"zotsync://metadata/incremental_sync.json":  incrementalSyncMetadataSchema,
			"zotsync://metadata/webhook_triggered.json": webhookTriggeredMetadataSchema,
			"zotsync://metadata/manual_sync.json":       manualSyncMetadataSchema,
			"zotsync://webhook/payload.json":            webhookPayloadSchema,
		}
		for name, src := range sources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemaInit.err = err
				return
			}
			if err := compiler.AddResource(name, doc); err != nil {
				schemaInit.err = err
				return
			}
		}
		compiled := make(map[JobType]*jsonschema.Schema, 4)
		for jobType, name := range map[JobType]string{
			JobTypeFullSync:         "zotsync://metadata/full_sync.json",
			JobTypeIncrementalSync:  "zotsync://metadata/incremental_sync.json",
			JobTypeWebhookTriggered: "zotsync://metadata/webhook_triggered.json",
			JobTypeManualSync:       "zotsync://metadata/manual_sync.json",
		} {
			sch, err := compiler.Compile(name)
			if err != nil {
				schemaInit.err = err
				return
			}
			compiled[jobType] = sch
		}
		payload, err := compiler.Compile("zotsync://webhook/payload.json")
		if err != nil {
			schemaInit.err = err
			return
		}
		schemaInit.metadata = compiled
		schemaInit.payload = payload
	})
	return schemaInit.err
}

// ValidateJobMetadata checks metadata against the schema for the job type.
// Nil metadata is always valid.
func ValidateJobMetadata(jobType JobType, metadata map[string]any) error {
	if metadata == nil {
		return nil
	}
	if err := compileSchemas(); err != nil {
		return err
	}
	sch, ok := schemaInit.metadata[jobType]
	if !ok {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidInput, jobType)
	}
	value, err := normalizeForSchema(metadata)
	if err != nil {
		return err
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidateWebhookPayload parses and schema-checks an inbound webhook body.
func ValidateWebhookPayload(body []byte) (map[string]any, error) {
	if err := compileSchemas(); err != nil {
		return nil, err
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}
	if err := schemaInit.payload.Validate(value); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidInput, err)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidInput)
	}
	return obj, nil
}

// normalizeForSchema round-trips through encoding/json so numeric values use
// json.Number as the validator expects.
func normalizeForSchema(metadata map[string]any) (any, error) {
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not serializable", ErrInvalidInput)
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
}
