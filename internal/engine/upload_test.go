package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/pathutil"
)

func TestUploadFileRecordsCachedRow(t *testing.T) {
	h := newHarness(t)

	f, err := h.eng.UploadFile(h.ctx, h.repo, "/src//util.go", []byte("package src"), "text/x-go")
	require.NoError(t, err)
	assert.Equal(t, "src/util.go", f.Path)
	assert.Equal(t, catalog.StateAdded, f.State)
	assert.Equal(t, pathutil.CacheKey(h.repo.ID, "src/util.go"), f.StorageKey)

	// A second upload replaces the bytes and keeps the row.
	f2, err := h.eng.UploadFile(h.ctx, h.repo, "src/util.go", []byte("package src // v2"), "text/x-go")
	require.NoError(t, err)
	assert.Equal(t, f.ID, f2.ID)

	got, err := h.store.inner.Get(h.ctx, f2.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, "package src // v2", string(got))
}

func TestUploadFileRejectsInvalidPaths(t *testing.T) {
	h := newHarness(t)

	for _, p := range []string{"", "   ", "../etc/passwd", "a/../../b", "docs/.."} {
		t.Run(p, func(t *testing.T) {
			_, err := h.eng.UploadFile(h.ctx, h.repo, p, []byte("x"), "")
			assert.True(t, errs.Is(err, errs.KindInvalidPath), "got %v", err)
		})
	}

	assert.Zero(t, h.store.puts.Load(), "no storage mutation")
	files, err := h.cat.ListFiles(h.ctx, h.repo.ID)
	require.NoError(t, err)
	assert.Empty(t, files, "no catalog mutation")
}

func TestUploadFileStoreFailureLeavesCatalogUntouched(t *testing.T) {
	h := newHarness(t)
	h.store.failPut.Store(true)

	_, err := h.eng.UploadFile(h.ctx, h.repo, "a.txt", []byte("x"), "")
	assert.True(t, errs.Is(err, errs.KindStorageUnavailable))

	_, err = h.cat.GetFile(h.ctx, h.repo.ID, "a.txt")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.Zero(t, h.store.deletes.Load(), "nothing to compensate")
}

func TestUploadFileCatalogFailureCompensates(t *testing.T) {
	h := newHarness(t)
	dbDown := errors.New("database is locked")
	eng := New(&faultCatalog{Catalog: h.cat, failUpsert: dbDown}, h.store, h.remote, Config{})

	_, err := eng.UploadFile(h.ctx, h.repo, "a.txt", []byte("x"), "")
	require.ErrorIs(t, err, dbDown)

	assert.Equal(t, int32(1), h.store.deletes.Load())
	_, err = h.store.inner.Get(h.ctx, pathutil.CacheKey(h.repo.ID, "a.txt"))
	assert.True(t, errs.Is(err, errs.KindNotFound), "compensation removed the object")
}

func TestUploadFileCompensationFailureKeepsCatalogError(t *testing.T) {
	h := newHarness(t)
	dbDown := errors.New("database is locked")
	eng := New(&faultCatalog{Catalog: h.cat, failUpsert: dbDown}, h.store, h.remote, Config{})
	h.store.failDelete.Store(true)

	_, err := eng.UploadFile(h.ctx, h.repo, "a.txt", []byte("x"), "")
	require.ErrorIs(t, err, dbDown)
	assert.False(t, errs.Is(err, errs.KindStorageUnavailable))
}

func TestUploadFileRevivesDeletedRow(t *testing.T) {
	h := newHarness(t)
	f := h.upload(t, "a.txt", "one")
	_, err := h.eng.DeleteFile(h.ctx, h.repo, "a.txt")
	require.NoError(t, err)
	_, err = h.eng.RetryPendingDeletes(h.ctx)
	require.NoError(t, err)
	require.Equal(t, catalog.StateDeleted, h.file(t, "a.txt").State)

	revived := h.upload(t, "a.txt", "two")
	assert.Equal(t, f.ID, revived.ID)
	assert.Equal(t, catalog.StateAdded, revived.State)

	dl, err := h.eng.ReadFile(h.ctx, h.repo, nil, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", string(dl.Data))
}

func TestRunSaga(t *testing.T) {
	ctx := context.Background()
	var trail []string
	step := func(name string, fail bool) sagaStep {
		return sagaStep{
			name: name,
			run: func(context.Context) error {
				trail = append(trail, "run "+name)
				if fail {
					return errors.New(name + " failed")
				}
				return nil
			},
			compensate: func(context.Context) error {
				trail = append(trail, "undo "+name)
				return nil
			},
		}
	}

	tests := []struct {
		name    string
		steps   []sagaStep
		wantErr string
		want    []string
	}{
		{
			name:  "all succeed",
			steps: []sagaStep{step("a", false), step("b", false)},
			want:  []string{"run a", "run b"},
		},
		{
			name:    "first fails",
			steps:   []sagaStep{step("a", true), step("b", false)},
			wantErr: "a failed",
			want:    []string{"run a"},
		},
		{
			name:    "last fails",
			steps:   []sagaStep{step("a", false), step("b", false), step("c", true)},
			wantErr: "c failed",
			want:    []string{"run a", "run b", "run c", "undo b", "undo a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trail = nil
			err := runSaga(ctx, "test", tt.steps)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.want, trail)
		})
	}
}

func TestRunSagaCompensatesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var undoErr error
	steps := []sagaStep{
		{
			name: "put",
			run:  func(context.Context) error { return nil },
			compensate: func(ctx context.Context) error {
				undoErr = ctx.Err()
				return nil
			},
		},
		{
			name: "record",
			run: func(context.Context) error {
				cancel()
				return context.Canceled
			},
		},
	}

	err := runSaga(ctx, "test", steps)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, undoErr, "compensation runs with a live context")
}
