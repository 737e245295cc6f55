package scheduling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// streamChunkSize is the read granularity for streamed responses. Server-sent
// events are much smaller than this; the size only bounds memory.
const streamChunkSize = 32 * 1024

// streamCopy relays a streaming upstream body to the client in the order the
// upstream produced it. One producer goroutine reads the upstream; the
// calling goroutine writes and flushes chunks and enforces the idle timeout
// between chunks; a watchdog closes the upstream on client cancellation.
func streamCopy(ctx context.Context, log logging.Logger, w http.ResponseWriter, upstream io.ReadCloser, idleTimeout time.Duration) error {
	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk, 8)

	// Producer: owns the upstream body. Closing the body on cancellation
	// unblocks a pending Read.
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, streamChunkSize)
			n, err := upstream.Read(buf)
			if n > 0 {
				chunks <- chunk{data: buf[:n]}
			}
			if err != nil {
				if err != io.EOF {
					chunks <- chunk{err: err}
				}
				return
			}
		}
	}()

	// Watchdog: closes the upstream body when the client goes away so the
	// producer terminates promptly.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			upstream.Close()
		case <-watchdogDone:
		}
	}()

	flusher, _ := w.(http.Flusher)

	var idle *time.Timer
	var idleC <-chan time.Time
	if idleTimeout > 0 {
		idle = time.NewTimer(idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return nil
			}
			if c.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %s", ErrUpstreamFailed, c.err)
			}
			if _, err := w.Write(c.data); err != nil {
				// Client went away mid-stream; the watchdog will reap the
				// upstream via context cancellation.
				log.Debugf("Client write failed mid-stream: %v", err)
				return ctx.Err()
			}
			if flusher != nil {
				flusher.Flush()
			}
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(idleTimeout)
			}
		case <-idleC:
			upstream.Close()
			return fmt.Errorf("%w: stream idle", ErrUpstreamTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
