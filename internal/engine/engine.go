// Package engine keeps the file catalog, the object cache store and the
// remote repository consistent. It syncs remote trees into the catalog,
// serves reads through the cache, writes uploads through to the cache,
// runs two-phase deletes and pushes cached files back to the remote.
package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/remote"
	"github.com/reposync/reposync/internal/storage"
)

// Config tunes the engine's worker pools.
type Config struct {
	// DeleteWorkers is the number of goroutines finishing deletes.
	DeleteWorkers int
	// DeleteQueueSize bounds the cleanup queue; when it is full the cleanup
	// is left to RetryPendingDeletes.
	DeleteQueueSize int
	// SweepBatchSize is the number of PENDING_DELETE files one sweep looks at.
	SweepBatchSize int
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		DeleteWorkers:   4,
		DeleteQueueSize: 256,
		SweepBatchSize:  500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DeleteWorkers <= 0 {
		c.DeleteWorkers = d.DeleteWorkers
	}
	if c.DeleteQueueSize <= 0 {
		c.DeleteQueueSize = d.DeleteQueueSize
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	return c
}

// CredentialSource resolves the remote credential lazily, so reads served
// from the cache never need one.
type CredentialSource func(ctx context.Context) (remote.Credential, error)

// StaticCredential returns a CredentialSource for a known credential.
func StaticCredential(cred remote.Credential) CredentialSource {
	return func(context.Context) (remote.Credential, error) {
		return cred, nil
	}
}

// Engine is the synchronization and push engine.
type Engine struct {
	cat    catalog.Catalog
	store  storage.ObjectStore
	remote remote.Client
	cfg    Config

	mu      sync.Mutex
	queue   chan int64
	started bool
	closed  bool
	workers sync.WaitGroup
	jobs    sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates an engine. Call Start to run the delete workers.
func New(cat catalog.Catalog, store storage.ObjectStore, rc remote.Client, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cat:    cat,
		store:  store,
		remote: rc,
		cfg:    cfg,
		queue:  make(chan int64, cfg.DeleteQueueSize),
	}
}

// Start launches the delete workers.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.cfg.DeleteWorkers; i++ {
		e.workers.Add(1)
		go e.worker(ctx)
	}
	logging.Info("delete workers started", zap.Int("workers", e.cfg.DeleteWorkers))
}

// Stop stops accepting cleanups, lets the workers drain the queue and waits
// for them. Files still PENDING_DELETE afterwards are picked up by the sweep.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	started := e.started
	e.mu.Unlock()

	if !started {
		return
	}
	e.workers.Wait()
	e.cancel()
	logging.Info("delete workers stopped")
}

// Wait blocks until every cleanup enqueued so far has finished.
func (e *Engine) Wait() {
	e.jobs.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.workers.Done()
	for id := range e.queue {
		if _, err := e.finalizeDelete(ctx, id, "inline"); err != nil {
			logging.Warn("deferred delete failed, leaving file for the sweep",
				zap.Int64("file_id", id), zap.Error(err))
		}
		e.jobs.Done()
	}
}

// enqueue schedules the cleanup of a PENDING_DELETE file. It reports false
// when the cleanup is left to the sweep.
func (e *Engine) enqueue(fileID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed {
		logging.Debug("delete workers not running, leaving file for the sweep", zap.Int64("file_id", fileID))
		return false
	}

	e.jobs.Add(1)
	select {
	case e.queue <- fileID:
		return true
	default:
		e.jobs.Done()
		logging.Warn("delete queue full, leaving file for the sweep", zap.Int64("file_id", fileID))
		return false
	}
}

func requireCredential(op string, cred remote.Credential) error {
	if cred.Token == "" {
		return errs.E(errs.KindCredentialMissing, op, "no remote credential registered", nil)
	}
	return nil
}
