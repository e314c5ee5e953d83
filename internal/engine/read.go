package engine

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
	"github.com/reposync/reposync/internal/pathutil"
	"github.com/reposync/reposync/internal/remote"
)

// Download is the content of a file returned by ReadFile.
type Download struct {
	Path        string
	Name        string
	Data        []byte
	ContentType string
	// FromCache is false when the bytes came from the remote.
	FromCache bool
}

// ReadFile returns a file's bytes. The object cache is tried first; on a
// miss, or when the cached object cannot be read, the file is downloaded
// from the remote and the cache is repopulated.
func (e *Engine) ReadFile(ctx context.Context, repo *catalog.Repository, creds CredentialSource, filePath string) (*Download, error) {
	p, err := pathutil.Normalize(filePath)
	if err != nil {
		return nil, err
	}
	f, err := e.cat.GetFile(ctx, repo.ID, p)
	if err != nil {
		return nil, err
	}
	if f.State != catalog.StateAdded {
		return nil, errs.NotFoundf("engine.ReadFile", "file %s not found", p)
	}

	if f.Cached() {
		data, err := e.store.Get(ctx, f.StorageKey)
		if err == nil {
			metrics.RecordCacheRead(true)
			return newDownload(p, data, true), nil
		}
		logging.Warn("cache read failed, falling back to remote",
			zap.String("repo", repo.URL), zap.String("path", p), zap.String("key", f.StorageKey), zap.Error(err))
	}
	metrics.RecordCacheRead(false)

	if creds == nil {
		return nil, requireCredential("engine.ReadFile", remote.Credential{})
	}
	cred, err := creds(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireCredential("engine.ReadFile", cred); err != nil {
		return nil, err
	}

	data, err := e.fetchRemote(ctx, repo, cred, "", f)
	if err != nil {
		return nil, err
	}
	return newDownload(p, data, false), nil
}

// fetchRemote downloads a file and writes it back into the cache. A cache
// write failure is logged; the downloaded bytes are returned regardless.
// An empty branch is resolved first.
func (e *Engine) fetchRemote(ctx context.Context, repo *catalog.Repository, cred remote.Credential, branch string, f *catalog.File) ([]byte, error) {
	if branch == "" {
		b, err := e.remote.ResolveDefaultBranch(ctx, cred, repo.Owner, repo.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve default branch: %w", err)
		}
		branch = b
	}

	data, err := e.remote.DownloadFile(ctx, cred, repo.Owner, repo.Name, f.Path, branch)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", f.Path, err)
	}

	key := pathutil.CacheKey(repo.ID, f.Path)
	if err := e.store.Put(ctx, key, data, contentType(f.Path, data)); err != nil {
		logging.Warn("cache populate failed", zap.String("repo", repo.URL), zap.String("path", f.Path), zap.String("key", key), zap.Error(err))
		return data, nil
	}
	if f.StorageKey != key {
		if err := e.cat.SetStorageKey(ctx, f.ID, key); err != nil {
			logging.Warn("recording cache key failed", zap.String("repo", repo.URL), zap.String("path", f.Path), zap.String("key", key), zap.Error(err))
			return data, nil
		}
		f.StorageKey = key
	}
	return data, nil
}

func newDownload(p string, data []byte, fromCache bool) *Download {
	return &Download{
		Path:        p,
		Name:        pathutil.Base(p),
		Data:        data,
		ContentType: contentType(p, data),
		FromCache:   fromCache,
	}
}

// contentType guesses a MIME type from the extension, then from the bytes.
func contentType(p string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
