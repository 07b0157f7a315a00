package client

import "fmt"

// nodeLabels maps node class types, and the display names some custom nodes
// report instead, to status text
var nodeLabels = map[string]string{
	// checkpoint
	"CheckpointLoaderSimple":     "📚 Loading model",
	"Checkpoint Loader (Simple)": "📚 Loading model",

	// loras
	"LoraLoader":                  "💊 Applying LoRAs",
	"Power Lora Loader (rgthree)": "💊 Applying LoRAs",

	// prompts
	"CLIPTextEncode":   "🧠 Reading prompt",
	"CLIPSetLastLayer": "🎚️ Adjusting clip skip",

	// preparation
	"EmptyLatentImage": "📐 Preparing canvas",
	"LoadImage":        "📥 Loading source image",

	// sampling
	"KSamplerAdvanced": "🎨 Drawing (sampling)",
	"KSampler":         "🎨 Drawing",

	// decoding
	"VAEDecodeTiled": "🖼️ Decoding (tiled)",
	"VAEDecode":      "🖼️ Decoding",

	// detailers and upscalers
	"FaceDetailer":          "👀 Refining faces",
	"FaceDetailerPipe":      "👀 Refining faces",
	"ImageUpscaleWithModel": "⬆️ Upscaling",
	"UltimateSDUpscale":     "⬆️ Upscaling (tiled)",

	// saving
	"Image Save": "💾 Saving image",
	"SaveImage":  "💾 Saving image",

	// extras
	"CR Seed": "🌱 Seeding chaos",
}

// NodeLabel returns the status text shown while a node of classType runs
func NodeLabel(classType string) string {
	if label, ok := nodeLabels[classType]; ok {
		return label
	}
	return fmt.Sprintf("⚙️ Processing: %s", classType)
}
