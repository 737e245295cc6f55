package llamacpp

import (
	"strconv"

	parser "github.com/gpustack/gguf-parser-go"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// gpuLayers is the -ngl value for full GPU offload.
const gpuLayers = 99

// buildArgs assembles the llama-server command line for a launch.
func (l *llamaCpp) buildArgs(spec inference.LaunchSpec) []string {
	args := []string{"-m", spec.WeightsPath}

	if spec.MMProjPath != "" {
		args = append(args, "--mmproj", spec.MMProjPath)
		if spec.ForceCPU {
			args = append(args, "--no-mmproj-offload")
		}
	}

	// --jinja enables tool use; legacy reasoning formatting keeps clients
	// that do not understand reasoning_content working.
	args = append(args,
		"--port", strconv.Itoa(int(spec.Port)),
		"--host", "127.0.0.1",
		"--jinja",
		"--reasoning-format", "none",
	)

	if ctx := l.contextSizeFor(spec); ctx > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(ctx))
	}

	if spec.Embeddings {
		args = append(args, "--embeddings")
	}
	if spec.Reranking {
		args = append(args, "--reranking")
	}

	ngl := gpuLayers
	if spec.ForceCPU {
		ngl = 0
	}
	args = append(args, "-ngl", strconv.Itoa(ngl))

	return append(args, l.extraArgs...)
}

// contextSizeFor resolves the context length: the entry's declared size wins,
// then the server-wide default, then the trained context length read from the
// GGUF metadata (capped to keep memory bounded on small machines).
func (l *llamaCpp) contextSizeFor(spec inference.LaunchSpec) int {
	if spec.ContextSize > 0 {
		return spec.ContextSize
	}
	if l.defaultContextSize > 0 {
		return l.defaultContextSize
	}
	gguf, err := parser.ParseGGUFFile(spec.WeightsPath)
	if err != nil {
		l.log.Debugf("GGUF metadata unavailable for %s: %v", spec.WeightsPath, err)
		return 0
	}
	trained := int(gguf.Architecture().MaximumContextLength)
	const maxDefault = 32768
	if trained > maxDefault {
		return maxDefault
	}
	return trained
}
