package worldspec

import (
	"strings"
	"testing"
)

const validSpec = `{
  "scene": {"id": "forest", "ambientLight": [0.4, 0.4, 0.5], "skybox": "dawn"},
  "entities": [
    {"id": "hero", "type": "player", "transform": {"position": [0, 1, 0]}},
    {"id": "tree-1", "type": "object", "components": {"mesh": "tree.glb", "collider": "box"}}
  ],
  "quests": [{"id": "q1", "description": "Find the clearing"}]
}`

func TestParseValidSpec(t *testing.T) {
	spec, err := Parse([]byte(validSpec))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if spec.Scene.ID != "forest" {
		t.Fatalf("expected scene forest, got %s", spec.Scene.ID)
	}
	if len(spec.Entities) != 2 || spec.Entities[1].Components.Mesh != "tree.glb" {
		t.Fatalf("entities not decoded: %+v", spec.Entities)
	}
	if len(spec.Quests) != 1 || spec.Quests[0].ID != "q1" {
		t.Fatalf("quests not carried: %+v", spec.Quests)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"scene":`},
		{"missing entities", `{"scene": {"id": "s"}}`},
		{"missing scene id", `{"scene": {}, "entities": []}`},
		{"bad entity type", `{"scene": {"id": "s"}, "entities": [{"id": "e", "type": "dragon"}]}`},
		{"bad collider", `{"scene": {"id": "s"}, "entities": [{"id": "e", "type": "npc", "components": {"collider": "mesh"}}]}`},
		{"short vec3", `{"scene": {"id": "s", "gravity": [0, -9.81]}, "entities": []}`},
	}
	for _, tc := range cases {
		if err := Validate([]byte(tc.raw)); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateErrorMentionsValidation(t *testing.T) {
	err := Validate([]byte(`{"scene": {}, "entities": []}`))
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestEmptyEntitiesIsLegal(t *testing.T) {
	if err := Validate([]byte(`{"scene": {"id": "empty"}, "entities": []}`)); err != nil {
		t.Fatalf("expected empty world accepted, got %v", err)
	}
}
