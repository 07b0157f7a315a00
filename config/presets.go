package config

import (
	"fmt"
	"slices"
)

// Preset is the recommended sampling setup for a checkpoint.  Zero fields
// fall back to the global fallback.
type Preset struct {
	Steps     int     `yaml:"steps" validate:"gte=0"`
	CFG       float64 `yaml:"cfg" validate:"gte=0"`
	Sampler   string  `yaml:"sampler"`
	Scheduler string  `yaml:"scheduler"`
}

// GlobalFallback applies to checkpoints without a preset
var GlobalFallback = Preset{Steps: 25, CFG: 6.0, Sampler: "euler_ancestral", Scheduler: "normal"}

// DefaultPresets returns the built-in per checkpoint presets
func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		"anime/novaAnimeXL_ilV140.safetensors":               {Steps: 25, CFG: 6.0, Sampler: "euler_ancestral", Scheduler: "normal"},
		"anime/animayhemPaleRider_v2TrueGrit.safetensors":    {Steps: 24, CFG: 3.0, Sampler: "euler_ancestral", Scheduler: "normal"},
		"anime/hassakuXLIllustrious_v32.safetensors":         {Steps: 20, CFG: 6.0, Sampler: "euler_ancestral", Scheduler: "normal"},
		"anime/aniverse_v50.safetensors":                     {Steps: 30, CFG: 6.0, Sampler: "dpmpp_2m", Scheduler: "karras"},
		"anime/counterfeitV30_v30.safetensors":               {Steps: 25, CFG: 10.0, Sampler: "dpmpp_2m", Scheduler: "karras"},
		"anime/obsidianAnise_obsidianAniseV10.safetensors":   {Steps: 30, CFG: 4.0, Sampler: "euler_ancestral", Scheduler: "karras"},
		"anime/oneObsession_v18.safetensors":                 {Steps: 22, CFG: 5.0, Sampler: "euler_ancestral", Scheduler: "normal"},
		"anime/waiIllustriousSDXL_v150.safetensors":          {Steps: 30, CFG: 7.0, Sampler: "euler_ancestral", Scheduler: "normal"},
		"anime/ramthrustsNSFWPINK_alchemyMix176.safetensors": {Steps: 22, CFG: 5.0, Sampler: "euler", Scheduler: "beta"},
		"Real/cyberrealisticPony_v141.safetensors":           {Steps: 30, CFG: 4.0, Sampler: "dpmpp_2m_sde", Scheduler: "karras"},
		"Real/ponyRealism_V23ULTRA.safetensors":              {Steps: 30, CFG: 6.0, Sampler: "dpmpp_2m_sde", Scheduler: "karras"},
		"Real/juggernautXL_ragnarokBy.safetensors":           {Steps: 30, CFG: 5.0, Sampler: "dpmpp_2m_sde", Scheduler: "karras"},
		"Real/DreamShaper_8_pruned.safetensors":              {Steps: 30, CFG: 7.0, Sampler: "dpmpp_2m", Scheduler: "karras"},
	}
}

// CheckpointConfig lists the selectable checkpoints and their presets
type CheckpointConfig struct {
	Default  string            `yaml:"default" envconfig:"DEFAULT_CHECKPOINT"`
	Files    []string          `yaml:"files" envconfig:"CHECKPOINTS"`
	Presets  map[string]Preset `yaml:"presets" ignored:"true" validate:"dive"`
	Fallback Preset            `yaml:"fallback" ignored:"true"`
}

// Check rejects a checkpoint missing from Files.  An empty checkpoint selects
// the default, and an empty Files list allows any checkpoint.
func (c CheckpointConfig) Check(checkpoint string) error {
	if checkpoint == "" || len(c.Files) == 0 || slices.Contains(c.Files, checkpoint) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCheckpoint, checkpoint)
}

// Resolve picks the checkpoint to use (the default when checkpoint is empty)
// and its preset, filling unset preset fields from the fallback.
func (c CheckpointConfig) Resolve(checkpoint string) (string, Preset) {
	if checkpoint == "" {
		checkpoint = c.Default
	}
	fallback := c.Fallback
	if fallback == (Preset{}) {
		fallback = GlobalFallback
	}

	p := c.Presets[checkpoint]
	if p.Steps == 0 {
		p.Steps = fallback.Steps
	}
	if p.CFG == 0 {
		p.CFG = fallback.CFG
	}
	if p.Sampler == "" {
		p.Sampler = fallback.Sampler
	}
	if p.Scheduler == "" {
		p.Scheduler = fallback.Scheduler
	}
	return checkpoint, p
}
