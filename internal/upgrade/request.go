package upgrade

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/start-request-v1.json
var startRequestSchemaJSON string

var startRequestSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("start-request-v1.json",
		strings.NewReader(startRequestSchemaJSON)); err != nil {
		panic(fmt.Sprintf("failed to add schema resource: %v", err))
	}

	schema, err := compiler.Compile("start-request-v1.json")
	if err != nil {
		panic(fmt.Sprintf("failed to compile schema: %v", err))
	}
	return schema
}()

// StartRequest is the inbound batch-start or resume message. A request
// without device groups resumes every outstanding device of the job.
type StartRequest struct {
	JobID         int64         `json:"job_id"`
	Sequence      bool          `json:"sequence"`
	UpdateVersion string        `json:"update_version"`
	APIKey        string        `json:"api_key"`
	Groups        []DeviceGroup `json:"ip_address"`
}

// DeviceGroup is one logical parent with its child devices.
type DeviceGroup struct {
	Parent   string        `json:"parent"`
	Children []ChildDevice `json:"child"`
}

type ChildDevice struct {
	IP             string `json:"ip"`
	Name           string `json:"name"`
	CurrentVersion string `json:"current_version"`
}

// IsResume reports whether the request carries no device list and therefore
// asks to resume all outstanding devices of the job.
func (r *StartRequest) IsResume() bool {
	return len(r.Groups) == 0
}

// ParseStartRequest validates the raw payload against the embedded schema
// and decodes it. A schema violation is a validation failure; no rows may be
// touched for such a request.
func ParseStartRequest(payload []byte) (*StartRequest, error) {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if err := startRequestSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("invalid start request: %w", err)
	}

	var req StartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("failed to decode start request: %w", err)
	}

	return &req, nil
}
