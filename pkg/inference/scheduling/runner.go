package scheduling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
)

// readinessPollInterval is the delay between readiness probes of a starting
// backend.
const readinessPollInterval = 500 * time.Millisecond

// runner wraps one live backend process together with the HTTP plumbing used
// to forward requests to it.
type runner struct {
	log     logging.Logger
	adapter inference.Adapter
	entry   catalog.ModelEntry
	process *inference.Process
	client  *http.Client
}

// newRunner wraps an already-launched process.
func newRunner(log logging.Logger, adapter inference.Adapter, entry catalog.ModelEntry, process *inference.Process) *runner {
	return &runner{
		log:     log,
		adapter: adapter,
		entry:   entry,
		process: process,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 32,
			},
		},
	}
}

// waitReady polls the adapter's health URL until it answers 200, the process
// exits, or the timeout elapses.
func (r *runner) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := r.adapter.HealthURL(r.process.Port())
	for {
		if r.process.Exited() {
			if exitErr := r.process.ExitErr(); exitErr != nil {
				return fmt.Errorf("backend exited during startup: %w", exitErr)
			}
			return errors.New("backend exited during startup")
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		response, err := r.client.Do(request)
		if err == nil {
			status := response.StatusCode
			response.Body.Close()
			if status == http.StatusOK {
				return nil
			}
		} else {
			r.log.Debugf("Backend on port %d not ready yet, will retry", r.process.Port())
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: readiness probe", ErrUpstreamTimeout)
		}
		select {
		case <-time.After(readinessPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-r.process.Done():
		}
	}
}

// forwardOptions control one upstream forward.
type forwardOptions struct {
	// path is the upstream path, e.g. "/v1/chat/completions".
	path string
	// body replaces the client body when non-nil.
	body io.Reader
	// contentType overrides the Content-Type header when non-empty.
	contentType string
	// timeout bounds non-streaming requests end-to-end; streaming requests
	// are bounded per-byte by idleTimeout instead.
	timeout time.Duration
	// idleTimeout is the maximum gap between bytes of a streaming response.
	idleTimeout time.Duration
}

// forward translates the client request into an upstream call and relays the
// response, streaming chunk-by-chunk when the upstream streams. Client
// disconnects cancel the upstream request via the request context.
func (r *runner) forward(w http.ResponseWriter, req *http.Request, opts forwardOptions) error {
	ctx := req.Context()

	body := opts.body
	if body == nil {
		body = req.Body
	}
	upstreamURL := r.adapter.UpstreamBase(r.process.Port()) + opts.path
	upstream, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL, body)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUpstreamFailed, err)
	}
	if opts.contentType != "" {
		upstream.Header.Set("Content-Type", opts.contentType)
	} else if ct := req.Header.Get("Content-Type"); ct != "" {
		upstream.Header.Set("Content-Type", ct)
	}
	if accept := req.Header.Get("Accept"); accept != "" {
		upstream.Header.Set("Accept", accept)
	}

	client := r.client
	if opts.timeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		upstream = upstream.WithContext(timeoutCtx)
	}

	response, err := client.Do(upstream)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrUpstreamTimeout, opts.path)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrUpstreamFailed, err)
	}
	defer response.Body.Close()

	header := w.Header()
	for key, values := range response.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	w.WriteHeader(response.StatusCode)

	if isEventStream(response) {
		return streamCopy(ctx, r.log, w, response.Body, opts.idleTimeout)
	}
	if _, err := io.Copy(w, response.Body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrUpstreamFailed, err)
	}
	return nil
}

// do issues a request to the upstream without an incoming client request,
// used by internal callers (image generation, transcription and realtime
// commits).
func (r *runner) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	upstreamURL := r.adapter.UpstreamBase(r.process.Port()) + path
	request, err := http.NewRequestWithContext(ctx, method, upstreamURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := r.client.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrUpstreamTimeout, path)
		}
		return nil, fmt.Errorf("%w: %s", ErrUpstreamFailed, err)
	}
	return response, nil
}

func isEventStream(response *http.Response) bool {
	return strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream")
}

// recordTelemetryLine feeds one backend output line through the adapter's
// parser into the aggregator. Used as the process OnLine callback.
func recordTelemetryLine(adapter inference.Adapter, aggregator *telemetry.Aggregator) func(string) {
	return func(line string) {
		if delta := adapter.ParseTelemetryLine(line); !delta.Empty() {
			aggregator.Record(delta)
		}
	}
}

// terminate shuts the backend process down and releases client connections.
func (r *runner) terminate() {
	r.process.Shutdown()
	r.client.CloseIdleConnections()
}
