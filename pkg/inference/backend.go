package inference

import (
	"context"

	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
)

// LaunchSpec carries everything an adapter needs to start a backend process
// for one model. The pool assembles it from the catalog entry, the port
// allocator, the binary installer and the weight store.
type LaunchSpec struct {
	// ModelName is the catalog identifier, used for logging and for backends
	// that load by name rather than by file.
	ModelName string
	// Checkpoint is the raw checkpoint reference from the catalog entry.
	Checkpoint string
	// BinaryPath is the backend executable to launch.
	BinaryPath string
	// WeightsPath is the resolved primary weight file.
	WeightsPath string
	// MMProjPath is the resolved multi-modal projector, if any.
	MMProjPath string
	// Port is the local TCP port the backend must bind.
	Port uint16
	// ContextSize is the context length to request. Zero uses the backend
	// default.
	ContextSize int
	// Embeddings enables the embeddings endpoint on backends that gate it.
	Embeddings bool
	// Reranking enables the reranking endpoint on backends that gate it.
	Reranking bool
	// ForceCPU disables GPU offload for this launch.
	ForceCPU bool
	// ExtraArgs are additional backend flags supplied by the operator.
	ExtraArgs []string
	// OnLine receives each line of the backend's combined output. Used to
	// fan lines out to the telemetry aggregator. May be nil.
	OnLine func(string)
}

// Adapter is implemented once per runtime family. Adapters know how to
// install, launch, health-check and scrape their runtime; request forwarding
// happens over the HTTP base URL they report.
type Adapter interface {
	// Family returns the backend family served by this adapter.
	Family() Family
	// EnsureBinary makes sure the backend executable is installed and
	// returns its path.
	EnsureBinary(ctx context.Context) (string, error)
	// Launch starts the backend subprocess. The returned process is running
	// but not necessarily ready; callers poll HealthURL until it responds.
	Launch(ctx context.Context, spec LaunchSpec) (*Process, error)
	// HealthURL returns the readiness probe URL for a backend on the port.
	HealthURL(port uint16) string
	// UpstreamBase returns the base URL requests are forwarded to.
	UpstreamBase(port uint16) string
	// ParseTelemetryLine extracts metrics from one backend log line.
	// Unrecognized lines return an empty delta.
	ParseTelemetryLine(line string) telemetry.Delta
	// SupportsCPUFallback reports whether a failed launch should be retried
	// with ForceCPU set.
	SupportsCPUFallback() bool
	// FixedPort returns a mandatory host port for runtimes that do not
	// support port selection, and whether one applies.
	FixedPort() (uint16, bool)
}
