package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// newPostgresStore connects to TEST_DATABASE_URL and empties the tables.
func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres tests")
	}
	s, err := OpenPostgres(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	_, err = s.DB().Exec(`TRUNCATE outbox, credentials, session_repos, files, repositories RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func TestSQLiteCatalog(t *testing.T) {
	runCatalogSuite(t, newSQLiteStore)
}

func TestPostgresCatalog(t *testing.T) {
	runCatalogSuite(t, newPostgresStore)
}

func runCatalogSuite(t *testing.T, open func(*testing.T) *Store) {
	tests := []struct {
		name string
		fn   func(*testing.T, *Store)
	}{
		{"MigrateTwice", testMigrateTwice},
		{"FindOrCreateRepository", testFindOrCreateRepository},
		{"ActiveRepository", testActiveRepository},
		{"UpsertRemoteFileIdempotent", testUpsertRemoteFileIdempotent},
		{"UpsertCachedFile", testUpsertCachedFile},
		{"DeletedRowRevival", testDeletedRowRevival},
		{"MarkDeletedOnlyFromPending", testMarkDeletedOnlyFromPending},
		{"ListActivePaths", testListActivePaths},
		{"ListCachedFiles", testListCachedFiles},
		{"ListPendingDeletes", testListPendingDeletes},
		{"NotFound", testNotFound},
		{"Credentials", testCredentials},
		{"Outbox", testOutbox},
		{"TxCommit", testTxCommit},
		{"TxRollback", testTxRollback},
		{"TxSavepoint", testTxSavepoint},
		{"TxCancelledContext", testTxCancelledContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func mustRepo(t *testing.T, s *Store) *catalog.Repository {
	t.Helper()
	repo, _, err := s.FindOrCreateRepository(context.Background(), "https://github.com/acme/widgets", "acme", "widgets")
	require.NoError(t, err)
	return repo
}

func testMigrateTwice(t *testing.T, s *Store) {
	require.NoError(t, s.Migrate(context.Background()))
}

func testFindOrCreateRepository(t *testing.T, s *Store) {
	ctx := context.Background()

	repo, created, err := s.FindOrCreateRepository(ctx, "https://github.com/acme/widgets", "acme", "widgets")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "acme", repo.Owner)
	assert.Equal(t, "widgets", repo.Name)
	assert.False(t, repo.CreatedAt.IsZero())

	again, created, err := s.FindOrCreateRepository(ctx, "https://github.com/acme/widgets", "acme", "widgets")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, repo.ID, again.ID)

	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.URL, got.URL)
}

func testActiveRepository(t *testing.T, s *Store) {
	ctx := context.Background()
	first, _, err := s.FindOrCreateRepository(ctx, "https://github.com/acme/one", "acme", "one")
	require.NoError(t, err)
	second, _, err := s.FindOrCreateRepository(ctx, "https://github.com/acme/two", "acme", "two")
	require.NoError(t, err)

	require.NoError(t, s.LinkSession(ctx, "chat-1", first.ID))
	require.NoError(t, s.LinkSession(ctx, "chat-1", second.ID))

	active, err := s.ActiveRepository(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	// Re-linking makes the first repository active again.
	require.NoError(t, s.LinkSession(ctx, "chat-1", first.ID))
	active, err = s.ActiveRepository(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	_, err = s.ActiveRepository(ctx, "chat-unknown")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func testUpsertRemoteFileIdempotent(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)

	f, err := s.UpsertRemoteFile(ctx, repo.ID, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateAdded, f.State)
	assert.False(t, f.Cached())

	require.NoError(t, s.SetStorageKey(ctx, f.ID, "1/src/main.go"))

	again, err := s.UpsertRemoteFile(ctx, repo.ID, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, "1/src/main.go", again.StorageKey, "sync keeps the cache key")
	assert.False(t, again.UpdatedAt.Before(f.UpdatedAt))

	files, err := s.ListFiles(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func testUpsertCachedFile(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)

	f, err := s.UpsertCachedFile(ctx, repo.ID, "docs/a.md", "1/docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, "1/docs/a.md", f.StorageKey)
	assert.Equal(t, catalog.StateAdded, f.State)

	_, err = s.MarkPendingDelete(ctx, f.ID)
	require.NoError(t, err)

	revived, err := s.UpsertCachedFile(ctx, repo.ID, "docs/a.md", "1/docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, f.ID, revived.ID)
	assert.Equal(t, catalog.StateAdded, revived.State)
}

func testDeletedRowRevival(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)

	f, err := s.UpsertCachedFile(ctx, repo.ID, "old.txt", "1/old.txt")
	require.NoError(t, err)
	_, err = s.MarkPendingDelete(ctx, f.ID)
	require.NoError(t, err)
	ok, err := s.MarkDeleted(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, ok)

	revived, err := s.UpsertRemoteFile(ctx, repo.ID, "old.txt")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateAdded, revived.State)
	assert.Empty(t, revived.StorageKey, "the deleted object's key is dropped")
}

func testMarkDeletedOnlyFromPending(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)

	f, err := s.UpsertCachedFile(ctx, repo.ID, "a.txt", "1/a.txt")
	require.NoError(t, err)

	ok, err := s.MarkDeleted(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, ok, "ADDED rows are not deleted")

	pending, err := s.MarkPendingDelete(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatePendingDelete, pending.State)

	ok, err = s.MarkDeleted(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkDeleted(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second call is a no-op")

	got, err := s.GetFileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StateDeleted, got.State)
}

func testListActivePaths(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)

	for _, p := range []string{"a/b.txt", "a/c/d.txt", "ab.txt", "é/x.txt", "gone.txt"} {
		_, err := s.UpsertRemoteFile(ctx, repo.ID, p)
		require.NoError(t, err)
	}
	gone, err := s.GetFile(ctx, repo.ID, "gone.txt")
	require.NoError(t, err)
	_, err = s.MarkPendingDelete(ctx, gone.ID)
	require.NoError(t, err)

	all, err := s.ListActivePaths(ctx, repo.ID, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a/b.txt", "a/c/d.txt", "ab.txt", "é/x.txt"}, all)

	underA, err := s.ListActivePaths(ctx, repo.ID, "a/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a/b.txt", "a/c/d.txt"}, underA)

	multibyte, err := s.ListActivePaths(ctx, repo.ID, "é/")
	require.NoError(t, err)
	assert.Equal(t, []string{"é/x.txt"}, multibyte)
}

func testListCachedFiles(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)

	_, err := s.UpsertRemoteFile(ctx, repo.ID, "remote-only.txt")
	require.NoError(t, err)
	_, err = s.UpsertCachedFile(ctx, repo.ID, "b.txt", "1/b.txt")
	require.NoError(t, err)
	_, err = s.UpsertCachedFile(ctx, repo.ID, "a.txt", "1/a.txt")
	require.NoError(t, err)
	pending, err := s.UpsertCachedFile(ctx, repo.ID, "c.txt", "1/c.txt")
	require.NoError(t, err)
	_, err = s.MarkPendingDelete(ctx, pending.ID)
	require.NoError(t, err)

	cached, err := s.ListCachedFiles(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "a.txt", cached[0].Path)
	assert.Equal(t, "b.txt", cached[1].Path)
}

func testListPendingDeletes(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)

	var ids []int64
	for _, p := range []string{"x", "y", "z"} {
		f, err := s.UpsertCachedFile(ctx, repo.ID, p, "1/"+p)
		require.NoError(t, err)
		_, err = s.MarkPendingDelete(ctx, f.ID)
		require.NoError(t, err)
		ids = append(ids, f.ID)
	}

	pending, err := s.ListPendingDeletes(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[1], pending[1].ID)
}

func testNotFound(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)

	_, err := s.GetFile(ctx, repo.ID, "missing.txt")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.GetRepository(ctx, 9999)
	assert.True(t, errs.Is(err, errs.KindNotFound))

	_, err = s.MarkPendingDelete(ctx, 9999)
	assert.True(t, errs.Is(err, errs.KindNotFound))

	err = s.SetStorageKey(ctx, 9999, "k")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	_, err = s.GetCredential(ctx, "nobody")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func testCredentials(t *testing.T, s *Store) {
	ctx := context.Background()
	sealer, err := NewTokenSealer("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	s.SetTokenSealer(sealer)

	require.NoError(t, s.PutCredential(ctx, "chat-1", "ghp_first"))
	require.NoError(t, s.PutCredential(ctx, "chat-1", "ghp_second"))

	cred, err := s.GetCredential(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "ghp_second", cred.Token)
	assert.NotNil(t, cred.LastValidatedAt)

	var raw string
	require.NoError(t, s.DB().QueryRow(`SELECT token FROM credentials WHERE session_id = $1`, "chat-1").Scan(&raw))
	assert.NotContains(t, raw, "ghp_second", "token is encrypted at rest")
}

func testOutbox(t *testing.T, s *Store) {
	ctx := context.Background()

	first := &catalog.OutboxEvent{Kind: "track_repository", Payload: []byte(`{"n":1}`)}
	second := &catalog.OutboxEvent{Kind: "track_repository", Payload: []byte(`{"n":2}`)}
	require.NoError(t, s.EnqueueOutbox(ctx, first))
	require.NoError(t, s.EnqueueOutbox(ctx, second))
	assert.NotEmpty(t, first.EventID)
	assert.Less(t, first.ID, second.ID)

	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, `{"n":1}`, string(pending[0].Payload))

	require.NoError(t, s.MarkOutboxDelivered(ctx, first.ID))
	require.NoError(t, s.MarkOutboxFailed(ctx, second.ID, "connection refused", false))

	pending, err = s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "connection refused", pending[0].LastError)

	require.NoError(t, s.MarkOutboxFailed(ctx, second.ID, "still refused", true))
	pending, err = s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "dead events are not retried")
}

func testTxCommit(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)

	err := s.WithTx(ctx, func(tx catalog.Catalog) error {
		if _, err := tx.UpsertRemoteFile(ctx, repo.ID, "in-tx.txt"); err != nil {
			return err
		}
		// Nested WithTx runs in a savepoint of the outer transaction.
		return tx.WithTx(ctx, func(inner catalog.Catalog) error {
			return inner.LinkSession(ctx, "chat-tx", repo.ID)
		})
	})
	require.NoError(t, err)

	_, err = s.GetFile(ctx, repo.ID, "in-tx.txt")
	assert.NoError(t, err)
	_, err = s.ActiveRepository(ctx, "chat-tx")
	assert.NoError(t, err)
}

func testTxRollback(t *testing.T, s *Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx catalog.Catalog) error {
		repo, _, err := tx.FindOrCreateRepository(ctx, "https://github.com/acme/rollback", "acme", "rollback")
		if err != nil {
			return err
		}
		if err := tx.LinkSession(ctx, "chat-rb", repo.ID); err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, &catalog.OutboxEvent{Kind: "track_repository", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.ActiveRepository(ctx, "chat-rb")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testTxCancelledContext(t *testing.T, s *Store) {
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(tx catalog.Catalog) error {
		if err := tx.EnqueueOutbox(ctx, &catalog.OutboxEvent{Kind: "track_repository", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.Error(t, err)

	pending, err := s.PendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testTxSavepoint(t *testing.T, s *Store) {
	ctx := context.Background()
	repo := mustRepo(t, s)
	boom := errors.New("inner failure")

	err := s.WithTx(ctx, func(tx catalog.Catalog) error {
		if _, err := tx.UpsertRemoteFile(ctx, repo.ID, "kept.txt"); err != nil {
			return err
		}
		innerErr := tx.WithTx(ctx, func(sp catalog.Catalog) error {
			if _, err := sp.UpsertRemoteFile(ctx, repo.ID, "discarded.txt"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, innerErr, boom)
		return tx.LinkSession(ctx, "chat-sp", repo.ID)
	})
	require.NoError(t, err)

	_, err = s.GetFile(ctx, repo.ID, "kept.txt")
	assert.NoError(t, err)
	_, err = s.GetFile(ctx, repo.ID, "discarded.txt")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	_, err = s.ActiveRepository(ctx, "chat-sp")
	assert.NoError(t, err)
}
