package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/catalog/sqlstore"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/remote"
	"github.com/reposync/reposync/internal/storage"
	"github.com/reposync/reposync/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func hashOf(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// fakeRemote is an in-memory repository host with a single branch.
type fakeRemote struct {
	mu        sync.Mutex
	branch    string
	branchErr error
	files     map[string][]byte
	dirs      []string
	// extra entries returned by FetchTree as-is.
	extra     []remote.TreeEntry
	failHash  map[string]error
	failWrite map[string]error
	writes    []remote.FileWrite
	downloads int

	// beforeWrite runs before each write is applied, without the lock held.
	beforeWrite func(path string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		branch:    "main",
		files:     make(map[string][]byte),
		failHash:  make(map[string]error),
		failWrite: make(map[string]error),
	}
}

func (r *fakeRemote) set(path, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = []byte(content)
}

func (r *fakeRemote) remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, path)
}

func (r *fakeRemote) content(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.files[path]
	return string(b), ok
}

func (r *fakeRemote) writeLog() []remote.FileWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]remote.FileWrite(nil), r.writes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (r *fakeRemote) downloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloads
}

func (r *fakeRemote) ResolveDefaultBranch(ctx context.Context, cred remote.Credential, owner, repo string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.branchErr != nil {
		return "", r.branchErr
	}
	return r.branch, nil
}

func (r *fakeRemote) FetchTree(ctx context.Context, cred remote.Credential, owner, repo, branch string) ([]remote.TreeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []remote.TreeEntry
	for _, d := range r.dirs {
		entries = append(entries, remote.TreeEntry{Path: d, Kind: remote.KindDir})
	}
	for p, b := range r.files {
		entries = append(entries, remote.TreeEntry{Path: p, Kind: remote.KindFile, Hash: hashOf(b)})
	}
	return append(entries, r.extra...), nil
}

func (r *fakeRemote) DownloadFile(ctx context.Context, cred remote.Credential, owner, repo, path, branch string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads++
	b, ok := r.files[path]
	if !ok {
		return nil, errs.NotFoundf("fake.DownloadFile", "%s not found", path)
	}
	return append([]byte(nil), b...), nil
}

func (r *fakeRemote) GetFileHash(ctx context.Context, cred remote.Credential, owner, repo, path, branch string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failHash[path]; err != nil {
		return "", false, err
	}
	b, ok := r.files[path]
	if !ok {
		return "", false, nil
	}
	return hashOf(b), true, nil
}

func (r *fakeRemote) WriteFile(ctx context.Context, cred remote.Credential, owner, repo string, w remote.FileWrite) (*remote.WriteResult, error) {
	if r.beforeWrite != nil {
		r.beforeWrite(w.Path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failWrite[w.Path]; err != nil {
		return nil, err
	}
	cur, exists := r.files[w.Path]
	switch {
	case w.ConditionHash == nil && exists:
		return nil, errs.E(errs.KindConflict, "fake.WriteFile", w.Path+" already exists", nil)
	case w.ConditionHash != nil && (!exists || hashOf(cur) != *w.ConditionHash):
		return nil, errs.E(errs.KindConflict, "fake.WriteFile", w.Path+" changed remotely", nil)
	}
	r.files[w.Path] = append([]byte(nil), w.Content...)
	r.writes = append(r.writes, w)
	return &remote.WriteResult{Hash: hashOf(w.Content), CommitSHA: fmt.Sprintf("commit-%d", len(r.writes))}, nil
}

func (r *fakeRemote) ValidateCredential(ctx context.Context, cred remote.Credential) (bool, error) {
	return cred.Token != "" && cred.Token != "revoked", nil
}

var errInjected = errors.New("injected failure")

// faultStore wraps a real object store and fails operations on demand.
type faultStore struct {
	inner      storage.ObjectStore
	failPut    atomic.Bool
	failGet    atomic.Bool
	failDelete atomic.Bool
	puts       atomic.Int32
	deletes    atomic.Int32
}

func (s *faultStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if s.failPut.Load() {
		return errs.E(errs.KindStorageUnavailable, "fault.Put", "store down", errInjected)
	}
	s.puts.Add(1)
	return s.inner.Put(ctx, key, data, contentType)
}

func (s *faultStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.failGet.Load() {
		return nil, errs.E(errs.KindStorageUnavailable, "fault.Get", "store down", errInjected)
	}
	return s.inner.Get(ctx, key)
}

func (s *faultStore) Delete(ctx context.Context, key string) error {
	if s.failDelete.Load() {
		return errs.E(errs.KindStorageUnavailable, "fault.Delete", "store down", errInjected)
	}
	s.deletes.Add(1)
	return s.inner.Delete(ctx, key)
}

// faultCatalog fails UpsertCachedFile when failUpsert is set.
type faultCatalog struct {
	catalog.Catalog
	failUpsert error
}

func (c *faultCatalog) UpsertCachedFile(ctx context.Context, repoID int64, path, storageKey string) (*catalog.File, error) {
	if c.failUpsert != nil {
		return nil, c.failUpsert
	}
	return c.Catalog.UpsertCachedFile(ctx, repoID, path, storageKey)
}

type harness struct {
	ctx    context.Context
	eng    *Engine
	cat    *sqlstore.Store
	store  *faultStore
	remote *fakeRemote
	repo   *catalog.Repository
	cred   remote.Credential
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	cat, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	require.NoError(t, cat.Migrate(ctx))

	backend, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	require.NoError(t, err)
	store := &faultStore{inner: storage.NewCache(backend)}

	repo, _, err := cat.FindOrCreateRepository(ctx, "https://github.com/acme/widgets", "acme", "widgets")
	require.NoError(t, err)

	rc := newFakeRemote()
	eng := New(cat, store, rc, Config{DeleteWorkers: 2})
	t.Cleanup(eng.Stop)

	return &harness{
		ctx:    ctx,
		eng:    eng,
		cat:    cat,
		store:  store,
		remote: rc,
		repo:   repo,
		cred:   remote.Credential{Token: "ghp_test"},
	}
}

func (h *harness) file(t *testing.T, path string) *catalog.File {
	t.Helper()
	f, err := h.cat.GetFile(h.ctx, h.repo.ID, path)
	require.NoError(t, err)
	return f
}

func (h *harness) upload(t *testing.T, path, content string) *catalog.File {
	t.Helper()
	f, err := h.eng.UploadFile(h.ctx, h.repo, path, []byte(content), "text/plain")
	require.NoError(t, err)
	return f
}
