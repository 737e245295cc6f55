package scheduling

import (
	"errors"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

var (
	// ErrAdapterNotFound indicates that no adapter is registered for the
	// requested family.
	ErrAdapterNotFound = errors.New("no adapter registered for backend family")
	// ErrAllModelsBusy indicates that capacity is exhausted and every
	// resident model of the family is pinned by in-flight requests.
	ErrAllModelsBusy = errors.New("all loaded models are busy")
	// ErrModelBusy indicates an explicit unload of a model with a non-zero
	// reference count.
	ErrModelBusy = errors.New("model is in use")
	// ErrModelNotLoaded indicates an unload of a model that is not resident.
	ErrModelNotLoaded = errors.New("model is not loaded")
	// ErrUpstreamTimeout indicates that the backend did not respond within
	// the request budget.
	ErrUpstreamTimeout = errors.New("backend did not respond in time")
	// ErrUpstreamFailed indicates that the backend process crashed or
	// returned malformed data.
	ErrUpstreamFailed = errors.New("backend request failed")
	// errLoadsDisabled indicates that the pool is shutting down.
	errLoadsDisabled = errors.New("model loading disabled")
)

// StartupError wraps a failure to bring a backend process to readiness. It is
// surfaced synchronously on the triggering Acquire.
type StartupError struct {
	Model string
	Err   error
}

func (e *StartupError) Error() string {
	return "failed to load " + e.Model + ": " + e.Err.Error()
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ModelStatus reports one loaded model for the pool listing.
type ModelStatus struct {
	Name     string           `json:"model_name"`
	Family   inference.Family `json:"family"`
	Port     uint16           `json:"port"`
	Uptime   float64          `json:"uptime_seconds"`
	Refs     uint             `json:"refcount"`
	LastUsed time.Time        `json:"last_used"`
}
