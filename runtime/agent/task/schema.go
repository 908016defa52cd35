package task

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed task.schema.json
var schemaJSON []byte

const schemaURL = "https://goa.design/agentexec/task.schema.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Decode validates a submitted task document against the task schema and
// builds the Task. Validation errors describe the offending fields.
func Decode(data []byte) (*Task, error) {
	if err := ValidateJSON(data); err != nil {
		return nil, err
	}
	var p struct {
		ID        string            `json:"id"`
		SessionID string            `json:"session_id"`
		Prompt    string            `json:"prompt"`
		SubjectID string            `json:"subject_id"`
		Mode      Mode              `json:"mode"`
		Context   map[string]any    `json:"context"`
		Metadata  map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return New(Params(p))
}

// ValidateJSON validates data against the task schema.
func ValidateJSON(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse task: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	return nil
}

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("parse task schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = fmt.Errorf("add task schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}
