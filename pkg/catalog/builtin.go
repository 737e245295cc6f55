package catalog

import (
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// builtinEntries is the model list baked into the binary. User registrations
// may add to, but never shadow, these identifiers.
func builtinEntries() []ModelEntry {
	entries := []ModelEntry{
		{
			Name:       "Qwen3-4B-GGUF",
			Family:     inference.FamilyLlamaCpp,
			Checkpoint: "Qwen/Qwen3-4B-GGUF:Qwen3-4B-Q4_K_M.gguf",
			Recipe:     "llamacpp",
			DType:      "Q4_K_M",
		},
		{
			Name:        "Qwen2.5-0.5B-Instruct-GGUF",
			Family:      inference.FamilyLlamaCpp,
			Checkpoint:  "Qwen/Qwen2.5-0.5B-Instruct-GGUF:qwen2.5-0.5b-instruct-q4_k_m.gguf",
			Recipe:      "llamacpp",
			DType:       "Q4_K_M",
			ContextSize: 4096,
		},
		{
			Name:       "Qwen3-Embedding-0.6B-GGUF",
			Family:     inference.FamilyLlamaCpp,
			Checkpoint: "Qwen/Qwen3-Embedding-0.6B-GGUF:Qwen3-Embedding-0.6B-Q8_0.gguf",
			Recipe:     "llamacpp",
			Labels:     []string{LabelEmbeddings},
			DType:      "Q8_0",
		},
		{
			Name:       "Qwen3-Reranker-0.6B-GGUF",
			Family:     inference.FamilyLlamaCpp,
			Checkpoint: "Qwen/Qwen3-Reranker-0.6B-GGUF:Qwen3-Reranker-0.6B-Q8_0.gguf",
			Recipe:     "llamacpp",
			Labels:     []string{LabelReranking},
			DType:      "Q8_0",
		},
		{
			Name:       "Gemma-3-4B-GGUF",
			Family:     inference.FamilyLlamaCpp,
			Checkpoint: "ggml-org/gemma-3-4b-it-GGUF:gemma-3-4b-it-Q4_K_M.gguf",
			MMProj:     "ggml-org/gemma-3-4b-it-GGUF:mmproj-model-f16.gguf",
			Recipe:     "llamacpp",
			Labels:     []string{LabelVision},
			DType:      "Q4_K_M",
		},
		{
			Name:       "FLM-Qwen3-4B",
			Family:     inference.FamilyFLM,
			Checkpoint: "qwen3:4b",
			Recipe:     "flm",
		},
		{
			Name:       "SD-Turbo",
			Family:     inference.FamilySD,
			Checkpoint: "stabilityai/sd-turbo:sd_turbo.safetensors",
			Recipe:     "sdcpp",
			ImageDefaults: &ImageDefaults{
				Steps:         1,
				GuidanceScale: 1.0,
				Width:         512,
				Height:        512,
			},
		},
		{
			Name:       "Stable-Diffusion-1.5",
			Family:     inference.FamilySD,
			Checkpoint: "stable-diffusion-v1-5/stable-diffusion-v1-5:v1-5-pruned-emaonly.safetensors",
			Recipe:     "sdcpp",
			ImageDefaults: &ImageDefaults{
				Steps:         20,
				GuidanceScale: 7.5,
				Width:         512,
				Height:        512,
			},
		},
		{
			Name:       "Whisper-Tiny",
			Family:     inference.FamilyWhisper,
			Checkpoint: "ggerganov/whisper.cpp:ggml-tiny.bin",
			Recipe:     "whispercpp",
		},
		{
			Name:       "Whisper-Small",
			Family:     inference.FamilyWhisper,
			Checkpoint: "ggerganov/whisper.cpp:ggml-small.bin",
			Recipe:     "whispercpp",
		},
		{
			Name:       "Kokoro",
			Family:     inference.FamilyTTS,
			Checkpoint: "hexgrad/Kokoro-82M:kokoro-v1.0.onnx",
			Recipe:     "kokoro",
		},
	}
	for i := range entries {
		entries[i].builtin = true
	}
	return entries
}
