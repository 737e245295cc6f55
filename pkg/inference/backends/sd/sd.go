// Package sd adapts the stable-diffusion.cpp server for image generation,
// edits and variations. The upstream speaks a native txt2img/img2img protocol
// that the router translates OpenAI image requests into.
package sd

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/installer"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
)

// Name is the backend family name.
const Name = inference.FamilySD

type sd struct {
	log       logging.Logger
	installer *installer.Installer
	variant   string
	version   string
}

// New creates the stable-diffusion adapter for the given accelerator variant.
func New(log logging.Logger, inst *installer.Installer, variant, version string) inference.Adapter {
	if version == "" {
		version = installer.DefaultSDVersion
	}
	return &sd{log: log, installer: inst, variant: variant, version: version}
}

// Family implements inference.Adapter.Family.
func (s *sd) Family() inference.Family {
	return Name
}

// EnsureBinary implements inference.Adapter.EnsureBinary.
func (s *sd) EnsureBinary(ctx context.Context) (string, error) {
	return s.installer.Ensure(ctx, installer.Spec{
		Family:  Name,
		Variant: s.variant,
		Version: s.version,
	})
}

// Launch implements inference.Adapter.Launch.
func (s *sd) Launch(ctx context.Context, spec inference.LaunchSpec) (*inference.Process, error) {
	args := []string{
		"--model", spec.WeightsPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(int(spec.Port)),
	}
	args = append(args, spec.ExtraArgs...)
	cmd := exec.Command(spec.BinaryPath, args...)
	process, err := inference.StartProcess(s.log, Name, spec.Port, cmd, spec.OnLine)
	if err != nil {
		return nil, fmt.Errorf("unable to start sd-server: %w", err)
	}
	return process, nil
}

// HealthURL implements inference.Adapter.HealthURL.
func (s *sd) HealthURL(port uint16) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}

// UpstreamBase implements inference.Adapter.UpstreamBase.
func (s *sd) UpstreamBase(port uint16) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

var samplingPattern = regexp.MustCompile(`sampling completed, taking ([\d.]+)s`)

// ParseTelemetryLine implements inference.Adapter.ParseTelemetryLine. Only
// the sampling duration is extracted; the diffusion server reports no token
// counts.
func (s *sd) ParseTelemetryLine(line string) telemetry.Delta {
	if match := samplingPattern.FindStringSubmatch(line); match != nil {
		if seconds, err := strconv.ParseFloat(match[1], 64); err == nil {
			return telemetry.Delta{TimeToFirstToken: telemetry.FloatPtr(seconds)}
		}
	}
	return telemetry.Delta{}
}

// SupportsCPUFallback implements inference.Adapter.SupportsCPUFallback. The
// accelerator is pinned by the --sdcpp flag; no silent fallback.
func (s *sd) SupportsCPUFallback() bool {
	return false
}

// FixedPort implements inference.Adapter.FixedPort.
func (s *sd) FixedPort() (uint16, bool) {
	return 0, false
}
