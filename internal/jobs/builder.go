// Package jobs converts a validated world specification into the ordered
// sequence of engine jobs the queue dispatches.
package jobs

import (
	"fmt"
	"sort"
	"time"

	"engine-broker/internal/models"
	"engine-broker/internal/worldspec"
)

// standardGravity is the fallback when the scene specifies none.
var standardGravity = [3]float64{0, -9.81, 0}

// BuildJobs produces the job batch for one world spec, in dispatch order:
// BUILD_SCENE, LOAD_ASSETS, one SPAWN_ENTITY per entity, and a trailing
// START_LOOP when gameParams is supplied. Deterministic for a given input.
func BuildJobs(spec *worldspec.WorldSpec, gameParams map[string]any, now time.Time) ([]*models.Job, error) {
	if spec == nil || spec.Scene.ID == "" || spec.Entities == nil {
		return nil, fmt.Errorf("invalid world spec passed to BuildJobs")
	}

	gravity := standardGravity
	if spec.Scene.Gravity != nil {
		gravity = *spec.Scene.Gravity
	}

	jobs := make([]*models.Job, 0, len(spec.Entities)+3)

	scene, err := models.NewJob(models.ScenePayload{
		SceneID:      spec.Scene.ID,
		AmbientLight: spec.Scene.AmbientLight,
		Skybox:       spec.Scene.Skybox,
		Gravity:      gravity,
	}, now)
	if err != nil {
		return nil, err
	}
	jobs = append(jobs, scene)

	assets, err := models.NewJob(models.AssetsPayload{Assets: collectAssets(spec.Entities)}, now)
	if err != nil {
		return nil, err
	}
	jobs = append(jobs, assets)

	for _, entity := range spec.Entities {
		spawn, err := models.NewJob(models.EntityPayload{
			ID:         entity.ID,
			EntityType: entity.Type,
			Transform:  entity.Transform,
			Material:   entity.Material,
			Components: entity.Components,
		}, now)
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", entity.ID, err)
		}
		jobs = append(jobs, spawn)
	}

	if gameParams != nil {
		loop, err := models.NewJob(models.LoopPayload{Params: gameParams}, now)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, loop)
	}

	return jobs, nil
}

// collectAssets returns the deduplicated, lexicographically sorted union of
// every entity's mesh and texture name. Deterministic output matters for
// reproducible fixtures and caching.
func collectAssets(entities []worldspec.Entity) []string {
	seen := make(map[string]struct{})
	for _, e := range entities {
		if e.Components != nil && e.Components.Mesh != "" {
			seen[e.Components.Mesh] = struct{}{}
		}
		if e.Material != nil && e.Material.Texture != "" {
			seen[e.Material.Texture] = struct{}{}
		}
	}
	assets := make([]string, 0, len(seen))
	for a := range seen {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return assets
}

// CreateEndGameJob builds a standalone END_GAME job. Zero-value arguments
// fall back to defaults.
func CreateEndGameJob(reason string, finalScore int, duration int64, now time.Time) (*models.Job, error) {
	if reason == "" {
		reason = "manual_stop"
	}
	return models.NewJob(models.EndGamePayload{
		Reason:     reason,
		FinalScore: finalScore,
		Duration:   duration,
	}, now)
}
