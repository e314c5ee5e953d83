package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
	"github.com/reposync/reposync/internal/pathutil"
)

// DeleteFile marks a file PENDING_DELETE and schedules the removal of its
// cached object. The returned row is the durable record of the request; the
// cleanup itself happens in the background and is retried by
// RetryPendingDeletes until it succeeds.
func (e *Engine) DeleteFile(ctx context.Context, repo *catalog.Repository, filePath string) (*catalog.File, error) {
	p, err := pathutil.Normalize(filePath)
	if err != nil {
		return nil, err
	}
	f, err := e.cat.GetFile(ctx, repo.ID, p)
	if err != nil {
		return nil, err
	}

	switch f.State {
	case catalog.StateDeleted:
		return nil, errs.NotFoundf("engine.DeleteFile", "file %s not found", p)
	case catalog.StatePendingDelete:
		// Already requested; nudge the cleanup again.
		e.enqueue(f.ID)
		return f, nil
	}

	f, err = e.cat.MarkPendingDelete(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("mark %s pending delete: %w", p, err)
	}
	logging.Info("file delete requested", zap.String("repo", repo.URL), zap.String("path", p))

	e.enqueue(f.ID)
	return f, nil
}

// finalizeDelete removes the cached object of a PENDING_DELETE file and
// marks it DELETED. It reports false, without error, when the file is no
// longer PENDING_DELETE (revived by an upload or sync, or already done).
func (e *Engine) finalizeDelete(ctx context.Context, fileID int64, via string) (bool, error) {
	f, err := e.cat.GetFileByID(ctx, fileID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if f.State != catalog.StatePendingDelete {
		return false, nil
	}

	if f.Cached() {
		if err := e.store.Delete(ctx, f.StorageKey); err != nil {
			metrics.RecordDelete(via, false)
			return false, fmt.Errorf("delete object %s: %w", f.StorageKey, err)
		}
	}

	ok, err := e.cat.MarkDeleted(ctx, f.ID)
	if err != nil {
		metrics.RecordDelete(via, false)
		return false, fmt.Errorf("mark %s deleted: %w", f.Path, err)
	}
	if ok {
		metrics.RecordDelete(via, true)
		logging.Debug("file deleted", zap.Int64("file_id", f.ID), zap.String("path", f.Path), zap.String("via", via))
	}
	return ok, nil
}

// SweepResult describes one RetryPendingDeletes pass.
type SweepResult struct {
	Scanned int
	Deleted int
	Failed  int
	// Skipped counts files that left PENDING_DELETE while the sweep ran.
	Skipped int
}

// RetryPendingDeletes retries the cleanup of PENDING_DELETE files. It is
// safe to run concurrently with itself and with the delete workers: deleting
// an absent object succeeds and only PENDING_DELETE rows become DELETED.
// Per-file failures are counted and logged; the files stay PENDING_DELETE.
func (e *Engine) RetryPendingDeletes(ctx context.Context) (SweepResult, error) {
	files, err := e.cat.ListPendingDeletes(ctx, e.cfg.SweepBatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list pending deletes: %w", err)
	}

	res := SweepResult{Scanned: len(files)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.cfg.DeleteWorkers)

	for _, f := range files {
		g.Go(func() error {
			deleted, err := e.finalizeDelete(ctx, f.ID, "sweep")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				logging.Warn("pending delete retry failed",
					zap.Int64("file_id", f.ID), zap.String("path", f.Path), zap.String("key", f.StorageKey), zap.Error(err))
			case deleted:
				res.Deleted++
			default:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if res.Scanned > 0 {
		logging.Info("pending delete sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("deleted", res.Deleted),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}
