// Package whisper adapts the whisper.cpp server for audio transcription. The
// upstream accepts multipart uploads on /inference; realtime streaming is
// implemented on top by the realtime package, which commits buffered PCM
// through the same endpoint.
package whisper

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
const Name = inference.FamilyWhisper

// InferencePath is the upstream transcription endpoint.
const InferencePath = "/inference"

type whisper struct {
	log       logging.Logger
	installer *installer.Installer
	variant   string
	version   string
}

// New creates the whisper.cpp adapter.
func New(log logging.Logger, inst *installer.Installer, variant, version string) inference.Adapter {
	if version == "" {
		version = installer.DefaultWhisperVersion
	}
	return &whisper{log: log, installer: inst, variant: variant, version: version}
}

// Family implements inference.Adapter.Family.
func (w *whisper) Family() inference.Family {
	return Name
}

// EnsureBinary implements inference.Adapter.EnsureBinary.
func (w *whisper) EnsureBinary(ctx context.Context) (string, error) {
	return w.installer.Ensure(ctx, installer.Spec{
		Family:  Name,
		Variant: w.variant,
		Version: w.version,
	})
}

// Launch implements inference.Adapter.Launch.
func (w *whisper) Launch(ctx context.Context, spec inference.LaunchSpec) (*inference.Process, error) {
	args := []string{
		"-m", spec.WeightsPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(int(spec.Port)),
		// Let the server resample uploads so clients can send plain WAV.
		"--convert",
	}
	args = append(args, spec.ExtraArgs...)
	cmd := exec.Command(spec.BinaryPath, args...)
	process, err := inference.StartProcess(w.log, Name, spec.Port, cmd, spec.OnLine)
	if err != nil {
		return nil, fmt.Errorf("unable to start whisper-server: %w", err)
	}
	return process, nil
}

// HealthURL implements inference.Adapter.HealthURL.
func (w *whisper) HealthURL(port uint16) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}

// UpstreamBase implements inference.Adapter.UpstreamBase.
func (w *whisper) UpstreamBase(port uint16) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// ParseTelemetryLine implements inference.Adapter.ParseTelemetryLine.
func (w *whisper) ParseTelemetryLine(string) telemetry.Delta {
	return telemetry.Delta{}
}

// SupportsCPUFallback implements inference.Adapter.SupportsCPUFallback.
func (w *whisper) SupportsCPUFallback() bool {
	return w.variant != installer.VariantCPU
}

// FixedPort implements inference.Adapter.FixedPort.
func (w *whisper) FixedPort() (uint16, bool) {
	return 0, false
}
