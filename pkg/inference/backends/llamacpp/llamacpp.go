// Package llamacpp adapts the llama.cpp HTTP server (llama-server) to the
// model pool. It serves chat, completions, embeddings and reranking for GGUF
// models, launching on GPU first and falling back to CPU.
package llamacpp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/installer"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
)

// Name is the backend family name.
const Name = inference.FamilyLlamaCpp

// NoFallbackEnv disables the automatic CPU retry after a failed GPU launch.
// Used by tests that must fail when the GPU path fails.
const NoFallbackEnv = "LEMONADE_LLAMACPP_NO_FALLBACK"

// llamaCpp is the llama.cpp-based adapter implementation.
type llamaCpp struct {
	log       logging.Logger
	installer *installer.Installer
	// variant is the accelerator variant chosen at startup.
	variant string
	version string
	// defaultContextSize is the server-wide --ctx-size default; the entry's
	// declared size takes precedence, and GGUF metadata is read only when
	// both are unset.
	defaultContextSize int
	extraArgs          []string
}

// New creates the llama.cpp adapter for the given accelerator variant.
func New(log logging.Logger, inst *installer.Installer, variant, version string, defaultContextSize int, extraArgs []string) inference.Adapter {
	if version == "" {
		version = installer.DefaultLlamaCppVersion
	}
	return &llamaCpp{
		log:                log,
		installer:          inst,
		variant:            variant,
		version:            version,
		defaultContextSize: defaultContextSize,
		extraArgs:          extraArgs,
	}
}

// Family implements inference.Adapter.Family.
func (l *llamaCpp) Family() inference.Family {
	return Name
}

// EnsureBinary implements inference.Adapter.EnsureBinary.
func (l *llamaCpp) EnsureBinary(ctx context.Context) (string, error) {
	return l.installer.Ensure(ctx, installer.Spec{
		Family:  Name,
		Variant: l.variant,
		Version: l.version,
	})
}

// Launch implements inference.Adapter.Launch.
func (l *llamaCpp) Launch(ctx context.Context, spec inference.LaunchSpec) (*inference.Process, error) {
	args := l.buildArgs(spec)
	l.log.Debugf("llama-server args: %v", args)

	cmd := exec.Command(spec.BinaryPath, args...)
	cmd.Env = launchEnv(spec.BinaryPath)

	process, err := inference.StartProcess(l.log, Name, spec.Port, cmd, spec.OnLine)
	if err != nil {
		return nil, fmt.Errorf("unable to start llama-server: %w", err)
	}
	return process, nil
}

// launchEnv extends the environment with the library path of the extracted
// release so the dynamic loader finds the bundled ggml libraries.
func launchEnv(binaryPath string) []string {
	env := os.Environ()
	if runtime.GOOS != "linux" {
		return env
	}
	libDir := filepath.Dir(binaryPath)
	if current := os.Getenv("LD_LIBRARY_PATH"); current != "" {
		return append(env, "LD_LIBRARY_PATH="+libDir+":"+current)
	}
	return append(env, "LD_LIBRARY_PATH="+libDir)
}

// HealthURL implements inference.Adapter.HealthURL.
func (l *llamaCpp) HealthURL(port uint16) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}

// UpstreamBase implements inference.Adapter.UpstreamBase.
func (l *llamaCpp) UpstreamBase(port uint16) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// SupportsCPUFallback implements inference.Adapter.SupportsCPUFallback.
func (l *llamaCpp) SupportsCPUFallback() bool {
	return l.variant != installer.VariantCPU && os.Getenv(NoFallbackEnv) == ""
}

// FixedPort implements inference.Adapter.FixedPort.
func (l *llamaCpp) FixedPort() (uint16, bool) {
	return 0, false
}

var (
	vulkanDevicesPattern = regexp.MustCompile(`ggml_vulkan: Found (\d+) Vulkan devices?:`)
	promptEvalPattern    = regexp.MustCompile(`prompt eval time\s*=\s*([\d.]+)\s*ms\s*/\s*(\d+)\s*tokens.*?([\d.]+)\s*tokens per second`)
	evalPattern          = regexp.MustCompile(`eval time\s*=\s*([\d.]+)\s*ms\s*/\s*(\d+)\s*tokens.*?([\d.]+)\s*tokens per second`)
)

// ParseTelemetryLine implements inference.Adapter.ParseTelemetryLine over the
// llama-server log format.
func (l *llamaCpp) ParseTelemetryLine(line string) telemetry.Delta {
	if match := vulkanDevicesPattern.FindStringSubmatch(line); match != nil {
		if count, err := strconv.Atoi(match[1]); err == nil && count > 0 {
			l.log.Infof("GPU acceleration active: %d Vulkan device(s) detected by llama-server", count)
		}
		return telemetry.Delta{}
	}

	// The prompt pattern must run first: the generation pattern also matches
	// "prompt eval time" lines.
	if match := promptEvalPattern.FindStringSubmatch(line); match != nil {
		promptMs, _ := strconv.ParseFloat(match[1], 64)
		inputTokens, _ := strconv.Atoi(match[2])
		seconds := promptMs / 1000.0
		return telemetry.Delta{
			InputTokens:      telemetry.IntPtr(inputTokens),
			PromptTokens:     telemetry.IntPtr(inputTokens),
			TimeToFirstToken: telemetry.FloatPtr(seconds),
		}
	}

	if match := evalPattern.FindStringSubmatch(line); match != nil {
		evalMs, _ := strconv.ParseFloat(match[1], 64)
		outputTokens, _ := strconv.Atoi(match[2])
		tokensPerSecond, _ := strconv.ParseFloat(match[3], 64)
		delta := telemetry.Delta{
			OutputTokens:    telemetry.IntPtr(outputTokens),
			TokensPerSecond: telemetry.FloatPtr(tokensPerSecond),
		}
		if outputTokens > 0 {
			perToken := evalMs / 1000.0 / float64(outputTokens)
			times := make([]float64, outputTokens)
			for i := range times {
				times[i] = perToken
			}
			delta.DecodeTokenTimes = times
		}
		return delta
	}

	return telemetry.Delta{}
}
