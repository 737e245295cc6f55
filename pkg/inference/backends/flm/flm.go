// Package flm adapts the FastFlowLM server. The runtime installs through its
// own GUI installer, binds a fixed host port, and has no health endpoint, so
// readiness is probed via its model-listing API.
package flm

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/installer"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
)

// Name is the backend family name.
const Name = inference.FamilyFLM

// fixedPort is the port `flm serve` binds; the runtime does not yet support
// port selection.
const fixedPort uint16 = 11434

type flm struct {
	log       logging.Logger
	installer *installer.Installer
}

// New creates the FLM adapter.
func New(log logging.Logger, inst *installer.Installer) inference.Adapter {
	return &flm{log: log, installer: inst}
}

// Family implements inference.Adapter.Family.
func (f *flm) Family() inference.Family {
	return Name
}

// EnsureBinary implements inference.Adapter.EnsureBinary. FLM is only usable
// as a host install.
func (f *flm) EnsureBinary(ctx context.Context) (string, error) {
	return f.installer.Ensure(ctx, installer.Spec{
		Family:  Name,
		Variant: installer.VariantSystem,
	})
}

// Launch implements inference.Adapter.Launch. FLM loads models by checkpoint
// name rather than by weight file.
func (f *flm) Launch(ctx context.Context, spec inference.LaunchSpec) (*inference.Process, error) {
	cmd := exec.Command(spec.BinaryPath, "serve", spec.Checkpoint)
	process, err := inference.StartProcess(f.log, Name, spec.Port, cmd, spec.OnLine)
	if err != nil {
		return nil, fmt.Errorf("unable to start flm: %w", err)
	}
	return process, nil
}

// HealthURL implements inference.Adapter.HealthURL. FLM has no dedicated
// health API; the model-listing endpoint answers once the server is up.
func (f *flm) HealthURL(port uint16) string {
	return fmt.Sprintf("http://localhost:%d/api/tags", port)
}

// UpstreamBase implements inference.Adapter.UpstreamBase.
func (f *flm) UpstreamBase(port uint16) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

// ParseTelemetryLine implements inference.Adapter.ParseTelemetryLine. The FLM
// log format carries no usable performance data yet.
func (f *flm) ParseTelemetryLine(string) telemetry.Delta {
	return telemetry.Delta{}
}

// SupportsCPUFallback implements inference.Adapter.SupportsCPUFallback.
func (f *flm) SupportsCPUFallback() bool {
	return false
}

// FixedPort implements inference.Adapter.FixedPort.
func (f *flm) FixedPort() (uint16, bool) {
	return fixedPort, true
}
