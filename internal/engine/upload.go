package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
	"github.com/reposync/reposync/internal/pathutil"
)

// sagaStep is one step of a saga. compensate, when set, undoes the step
// after a later step failed.
type sagaStep struct {
	name       string
	run        func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// runSaga runs steps in order. When a step fails, the compensations of the
// completed steps run in reverse order and the step's error is returned.
// Compensation failures are logged and never replace that error.
func runSaga(ctx context.Context, saga string, steps []sagaStep, fields ...zap.Field) error {
	for i, step := range steps {
		err := step.run(ctx)
		if err == nil {
			continue
		}

		for j := i - 1; j >= 0; j-- {
			done := steps[j]
			if done.compensate == nil {
				continue
			}
			// The request may already be cancelled; undo regardless.
			cerr := done.compensate(context.WithoutCancel(ctx))
			metrics.RecordCompensation(cerr == nil)
			if cerr != nil {
				logFields := []zap.Field{
					zap.String("saga", saga),
					zap.String("step", done.name),
					zap.String("failed_step", step.name),
					zap.Error(cerr),
				}
				logging.Warn("compensation failed", append(logFields, fields...)...)
			}
		}
		return err
	}
	return nil
}

// UploadFile stores data as the new content of path. The bytes go to the
// object cache first; the catalog row is written only after that succeeds.
// If the catalog write fails the cached object is deleted again.
func (e *Engine) UploadFile(ctx context.Context, repo *catalog.Repository, filePath string, data []byte, contentType string) (*catalog.File, error) {
	p, err := pathutil.Normalize(filePath)
	if err != nil {
		return nil, err
	}
	key := pathutil.CacheKey(repo.ID, p)

	var file *catalog.File
	steps := []sagaStep{
		{
			name: "putObject",
			run: func(ctx context.Context) error {
				if err := e.store.Put(ctx, key, data, contentType); err != nil {
					if errs.Is(err, errs.KindStorageUnavailable) {
						return err
					}
					return errs.E(errs.KindStorageUnavailable, "engine.UploadFile", "cannot store "+p, err)
				}
				return nil
			},
			compensate: func(ctx context.Context) error {
				return e.store.Delete(ctx, key)
			},
		},
		{
			name: "recordFile",
			run: func(ctx context.Context) error {
				f, err := e.cat.UpsertCachedFile(ctx, repo.ID, p, key)
				if err != nil {
					return fmt.Errorf("record %s: %w", p, err)
				}
				file = f
				return nil
			},
		},
	}

	if err := runSaga(ctx, "upload", steps, zap.String("repo", repo.URL), zap.String("path", p), zap.String("key", key)); err != nil {
		return nil, err
	}

	logging.Info("file uploaded", zap.String("repo", repo.URL), zap.String("path", p), zap.Int("size", len(data)))
	return file, nil
}
