// Package domain provides the lane scheduler's core entities: tasks,
// execution lanes, fixed generation constraints and diagnostic events.
package domain

// GenerationConstraints is the immutable per-model fixed parameter set.
// Fixed values must match exactly; no tolerance, no rounding.
type GenerationConstraints struct {
	Model      string   `json:"model" mapstructure:"model"`
	Kind       TaskKind `json:"kind" mapstructure:"kind"`
	FixedSteps int      `json:"fixed_steps" mapstructure:"fixed_steps"`
	FixedCfg   *float64 `json:"fixed_cfg,omitempty" mapstructure:"fixed_cfg"`
}

// GenerationParams is the caller-supplied parameter payload for one
// generation request. Steps and Cfg are checked against the model's
// constraints; the rest is passed through to the worker opaque.
type GenerationParams struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Steps          int      `json:"steps"`
	Cfg            *float64 `json:"cfg,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	Frames         int      `json:"frames,omitempty"`
}
