// Package worldspec decodes and validates world specifications submitted by
// clients before the job builder sees them.
package worldspec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"engine-broker/internal/models"
)

//go:embed world_spec.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("world_spec.schema.json", schemaJSON)

// Scene describes the world's stage.
type Scene struct {
	ID           string      `json:"id"`
	AmbientLight [3]float64  `json:"ambientLight"`
	Skybox       string      `json:"skybox"`
	Gravity      *[3]float64 `json:"gravity,omitempty"`
}

// Entity is one object to spawn into the scene.
type Entity struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Transform  *models.Transform  `json:"transform,omitempty"`
	Material   *models.Material   `json:"material,omitempty"`
	Components *models.Components `json:"components,omitempty"`
}

// Quest is carried through verbatim; the broker does not interpret quests.
type Quest struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Target      string `json:"target,omitempty"`
}

// WorldSpec is the validated structural description consumed by the job
// builder.
type WorldSpec struct {
	Scene    Scene    `json:"scene"`
	Entities []Entity `json:"entities"`
	Quests   []Quest  `json:"quests,omitempty"`
}

// Validate checks raw JSON against the embedded schema.
func Validate(raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("world spec is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("world spec validation failed: %w", err)
	}
	return nil
}

// Parse validates and decodes a world spec in one step.
func Parse(raw []byte) (*WorldSpec, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var spec WorldSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode world spec: %w", err)
	}
	return &spec, nil
}
