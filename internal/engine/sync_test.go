package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/remote"
)

func TestSyncTreeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.remote.set("README.md", "# widgets")
	h.remote.set("a/b.txt", "b")
	h.remote.set("a/c/d.txt", "d")
	h.remote.dirs = []string{"a", "a/c"}
	h.remote.extra = []remote.TreeEntry{{Path: "../escape.txt", Kind: remote.KindFile}}

	res, err := h.eng.SyncTree(h.ctx, h.repo, h.cred)
	require.NoError(t, err)
	assert.Equal(t, "main", res.Branch)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, 1, res.Skipped)

	// Cache one file so the second pass has a key to preserve.
	h.upload(t, "README.md", "# local edit")

	before, err := h.cat.ListFiles(h.ctx, h.repo.ID)
	require.NoError(t, err)
	require.Len(t, before, 3)

	_, err = h.eng.SyncTree(h.ctx, h.repo, h.cred)
	require.NoError(t, err)

	after, err := h.cat.ListFiles(h.ctx, h.repo.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Path, after[i].Path)
		assert.Equal(t, before[i].StorageKey, after[i].StorageKey)
		assert.Equal(t, catalog.StateAdded, after[i].State)
	}
	assert.True(t, h.file(t, "README.md").Cached())
	assert.False(t, h.file(t, "a/b.txt").Cached())
}

func TestSyncTreeKeepsRowsMissingRemotely(t *testing.T) {
	h := newHarness(t)
	h.remote.set("old.txt", "x")
	h.remote.set("new.txt", "y")
	_, err := h.eng.SyncTree(h.ctx, h.repo, h.cred)
	require.NoError(t, err)

	h.remote.remove("old.txt")
	_, err = h.eng.SyncTree(h.ctx, h.repo, h.cred)
	require.NoError(t, err)

	assert.Equal(t, catalog.StateAdded, h.file(t, "old.txt").State)
}

func TestSyncTreeRevivesDeletedPath(t *testing.T) {
	h := newHarness(t)
	h.upload(t, "notes.txt", "draft")
	f, err := h.eng.DeleteFile(h.ctx, h.repo, "notes.txt")
	require.NoError(t, err)
	_, err = h.eng.RetryPendingDeletes(h.ctx)
	require.NoError(t, err)
	require.Equal(t, catalog.StateDeleted, h.file(t, "notes.txt").State)

	h.remote.set("notes.txt", "remote copy")
	_, err = h.eng.SyncTree(h.ctx, h.repo, h.cred)
	require.NoError(t, err)

	revived := h.file(t, "notes.txt")
	assert.Equal(t, f.ID, revived.ID)
	assert.Equal(t, catalog.StateAdded, revived.State)
	assert.False(t, revived.Cached(), "stale key of a deleted row is dropped")
}

func TestSyncTreeFailures(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.SyncTree(h.ctx, h.repo, remote.Credential{})
	assert.True(t, errs.Is(err, errs.KindCredentialMissing))

	h.remote.branchErr = errs.E(errs.KindCredentialInvalid, "fake", "bad credentials", nil)
	_, err = h.eng.SyncTree(h.ctx, h.repo, h.cred)
	assert.True(t, errs.Is(err, errs.KindCredentialInvalid))

	files, err := h.cat.ListFiles(h.ctx, h.repo.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestApplyTreeJoinsCallerTransaction(t *testing.T) {
	h := newHarness(t)
	h.remote.set("a.txt", "a")

	tree, err := h.eng.FetchTree(h.ctx, h.repo.Owner, h.repo.Name, h.cred)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, tree.Paths)

	rollback := assert.AnError
	err = h.cat.WithTx(h.ctx, func(tx catalog.Catalog) error {
		res, err := h.eng.ApplyTree(h.ctx, tx, h.repo, tree)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Files)
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	_, err = h.cat.GetFile(h.ctx, h.repo.ID, "a.txt")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestListEntries(t *testing.T) {
	h := newHarness(t)
	for _, p := range []string{"a/b.txt", "a/c/d.txt"} {
		_, err := h.cat.UpsertRemoteFile(h.ctx, h.repo.ID, p)
		require.NoError(t, err)
	}

	root, err := h.eng.ListEntries(h.ctx, h.repo, "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "a", Path: "a", Type: EntryDir}}, root)

	tests := []struct {
		parent string
		want   []Entry
	}{
		{"a", []Entry{{Name: "c", Path: "a/c", Type: EntryDir}, {Name: "b.txt", Path: "a/b.txt", Type: EntryFile}}},
		{"/a/", []Entry{{Name: "c", Path: "a/c", Type: EntryDir}, {Name: "b.txt", Path: "a/b.txt", Type: EntryFile}}},
		{"a/c", []Entry{{Name: "d.txt", Path: "a/c/d.txt", Type: EntryFile}}},
		{"nope", []Entry{}},
	}
	for _, tt := range tests {
		t.Run(tt.parent, func(t *testing.T) {
			got, err := h.eng.ListEntries(h.ctx, h.repo, tt.parent)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = h.eng.ListEntries(h.ctx, h.repo, "../etc")
	assert.True(t, errs.Is(err, errs.KindInvalidPath))
}

func TestListEntriesOrdering(t *testing.T) {
	h := newHarness(t)
	for _, p := range []string{"zeta.txt", "alpha.txt", "src/main.go", "docs/x.md", "docs/y.md", "Makefile"} {
		_, err := h.cat.UpsertRemoteFile(h.ctx, h.repo.ID, p)
		require.NoError(t, err)
	}

	got, err := h.eng.ListEntries(h.ctx, h.repo, "")
	require.NoError(t, err)

	var names []string
	for _, e := range got {
		names = append(names, string(e.Type)+":"+e.Name)
	}
	assert.Equal(t, []string{"dir:docs", "dir:src", "file:Makefile", "file:alpha.txt", "file:zeta.txt"}, names)
}

func TestListEntriesPrefersDirectoryOverStaleFile(t *testing.T) {
	h := newHarness(t)
	// "a" was a file before the remote turned it into a directory; sync
	// keeps the stale row.
	for _, p := range []string{"a", "a/b.txt", "c.txt"} {
		_, err := h.cat.UpsertRemoteFile(h.ctx, h.repo.ID, p)
		require.NoError(t, err)
	}

	got, err := h.eng.ListEntries(h.ctx, h.repo, "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "a", Path: "a", Type: EntryDir},
		{Name: "c.txt", Path: "c.txt", Type: EntryFile},
	}, got)
}

func TestListEntriesHidesDeletedFiles(t *testing.T) {
	h := newHarness(t)
	h.upload(t, "keep.txt", "k")
	h.upload(t, "gone/x.txt", "x")
	_, err := h.eng.DeleteFile(h.ctx, h.repo, "gone/x.txt")
	require.NoError(t, err)

	got, err := h.eng.ListEntries(h.ctx, h.repo, "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "keep.txt", Path: "keep.txt", Type: EntryFile}}, got)

	flat, err := h.eng.ListFlatTree(h.ctx, h.repo)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, flat)
}
