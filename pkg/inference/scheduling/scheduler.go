package scheduling

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// Scheduler coordinates inference scheduling across the backend adapters and
// the model pool.
type Scheduler struct {
	log      logging.Logger
	catalog  *catalog.Catalog
	adapters map[inference.Family]inference.Adapter
	pool     *Pool
}

// NewScheduler creates a scheduler over an existing pool.
func NewScheduler(
	log logging.Logger,
	cat *catalog.Catalog,
	adapters map[inference.Family]inference.Adapter,
	pool *Pool,
) *Scheduler {
	return &Scheduler{
		log:      log,
		catalog:  cat,
		adapters: adapters,
		pool:     pool,
	}
}

// Pool returns the model pool.
func (s *Scheduler) Pool() *Pool {
	return s.pool
}

// Run is the scheduler's main run loop. By the time it returns, all backend
// processes will have been unloaded.
func (s *Scheduler) Run(ctx context.Context) error {
	workers, workerCtx := errgroup.WithContext(ctx)

	workers.Go(func() error {
		return s.pool.run(workerCtx)
	})

	return workers.Wait()
}

// EnsureBinary installs the backend executable for a family if missing and
// returns its path.
func (s *Scheduler) EnsureBinary(ctx context.Context, family inference.Family) (string, error) {
	adapter, ok := s.adapters[family]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAdapterNotFound, family)
	}
	return adapter.EnsureBinary(ctx)
}

// WarmLoad brings a model to residency without pinning it: an Acquire
// followed by an immediate release. It returns only after the backend is
// ready.
func (s *Scheduler) WarmLoad(ctx context.Context, name string) error {
	handle, err := s.pool.Acquire(ctx, name)
	if err != nil {
		return err
	}
	handle.Release()
	return nil
}
