// Package tts adapts the Kokoro speech-synthesis server. The upstream is
// OpenAI-compatible at /v1/audio/speech and returns encoded audio containers.
package tts

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/installer"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
)

// Name is the backend family name.
const Name = inference.FamilyTTS

type tts struct {
	log       logging.Logger
	installer *installer.Installer
	version   string
}

// New creates the TTS adapter.
func New(log logging.Logger, inst *installer.Installer, version string) inference.Adapter {
	if version == "" {
		version = installer.DefaultTTSVersion
	}
	return &tts{log: log, installer: inst, version: version}
}

// Family implements inference.Adapter.Family.
func (t *tts) Family() inference.Family {
	return Name
}

// EnsureBinary implements inference.Adapter.EnsureBinary.
func (t *tts) EnsureBinary(ctx context.Context) (string, error) {
	return t.installer.Ensure(ctx, installer.Spec{
		Family:  Name,
		Variant: installer.VariantCPU,
		Version: t.version,
	})
}

// Launch implements inference.Adapter.Launch.
func (t *tts) Launch(ctx context.Context, spec inference.LaunchSpec) (*inference.Process, error) {
	args := []string{
		"--model", spec.WeightsPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(int(spec.Port)),
	}
	args = append(args, spec.ExtraArgs...)
	cmd := exec.Command(spec.BinaryPath, args...)
	process, err := inference.StartProcess(t.log, Name, spec.Port, cmd, spec.OnLine)
	if err != nil {
		return nil, fmt.Errorf("unable to start kokoro-server: %w", err)
	}
	return process, nil
}

// HealthURL implements inference.Adapter.HealthURL.
func (t *tts) HealthURL(port uint16) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}

// UpstreamBase implements inference.Adapter.UpstreamBase.
func (t *tts) UpstreamBase(port uint16) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// ParseTelemetryLine implements inference.Adapter.ParseTelemetryLine.
func (t *tts) ParseTelemetryLine(string) telemetry.Delta {
	return telemetry.Delta{}
}

// SupportsCPUFallback implements inference.Adapter.SupportsCPUFallback.
func (t *tts) SupportsCPUFallback() bool {
	return false
}

// FixedPort implements inference.Adapter.FixedPort.
func (t *tts) FixedPort() (uint16, bool) {
	return 0, false
}
