package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
	"github.com/reposync/reposync/internal/pathutil"
	"github.com/reposync/reposync/internal/remote"
)

// SyncResult describes one tree sync.
type SyncResult struct {
	Branch string
	// Files is the number of remote files recorded.
	Files int
	// Skipped counts remote paths that do not normalize.
	Skipped int
}

// RemoteTree is a fetched remote tree, ready to be applied to the catalog.
type RemoteTree struct {
	Branch string
	// Paths holds the normalized file paths; directories are dropped.
	Paths   []string
	Skipped int
}

// SyncTree pulls the remote default branch's tree into the catalog. Every
// remote file gets an ADDED row; directories are not stored. Rows for paths
// that disappeared remotely are kept.
func (e *Engine) SyncTree(ctx context.Context, repo *catalog.Repository, cred remote.Credential) (SyncResult, error) {
	tree, err := e.FetchTree(ctx, repo.Owner, repo.Name, cred)
	if err != nil {
		return SyncResult{}, err
	}
	return e.ApplyTree(ctx, nil, repo, tree)
}

// FetchTree resolves the default branch and lists its files. It only talks
// to the remote, so callers run it before opening a catalog transaction.
func (e *Engine) FetchTree(ctx context.Context, owner, name string, cred remote.Credential) (*RemoteTree, error) {
	if err := requireCredential("engine.FetchTree", cred); err != nil {
		return nil, err
	}

	branch, err := e.remote.ResolveDefaultBranch(ctx, cred, owner, name)
	if err != nil {
		return nil, fmt.Errorf("resolve default branch: %w", err)
	}
	entries, err := e.remote.FetchTree(ctx, cred, owner, name, branch)
	if err != nil {
		return nil, fmt.Errorf("fetch tree: %w", err)
	}

	tree := &RemoteTree{Branch: branch}
	for _, entry := range entries {
		if entry.Kind != remote.KindFile {
			continue
		}
		p, err := pathutil.Normalize(entry.Path)
		if err != nil {
			logging.Warn("skipping remote path",
				zap.String("repo", owner+"/"+name), zap.String("path", entry.Path), zap.Error(err))
			tree.Skipped++
			continue
		}
		tree.Paths = append(tree.Paths, p)
	}
	return tree, nil
}

// ApplyTree records a fetched tree for repo. cat selects the catalog to
// write to, so the writes can join a caller's transaction; nil means the
// engine's own catalog. The writes run in their own (nested) transaction,
// so a failed apply leaves no partial rows behind.
func (e *Engine) ApplyTree(ctx context.Context, cat catalog.Catalog, repo *catalog.Repository, tree *RemoteTree) (SyncResult, error) {
	if cat == nil {
		cat = e.cat
	}
	err := cat.WithTx(ctx, func(tx catalog.Catalog) error {
		for _, p := range tree.Paths {
			if _, err := tx.UpsertRemoteFile(ctx, repo.ID, p); err != nil {
				return fmt.Errorf("record %s: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		return SyncResult{Branch: tree.Branch}, err
	}

	res := SyncResult{Branch: tree.Branch, Files: len(tree.Paths), Skipped: tree.Skipped}
	metrics.RecordTreeSync(res.Files)
	logging.Info("tree synced",
		zap.String("repo", repo.URL),
		zap.String("branch", res.Branch),
		zap.Int("files", res.Files),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// EntryType distinguishes directory entries from file entries.
type EntryType string

const (
	EntryDir  EntryType = "dir"
	EntryFile EntryType = "file"
)

// Entry is one child of a directory.
type Entry struct {
	Name string    `json:"name"`
	Path string    `json:"path"`
	Type EntryType `json:"type"`
}

// ListEntries returns the direct children of parent ("" for the root),
// derived from the catalog's ADDED paths. Directories come first, then
// files, each group sorted by name. The remote is never called.
func (e *Engine) ListEntries(ctx context.Context, repo *catalog.Repository, parent string) ([]Entry, error) {
	dir, err := pathutil.NormalizeDir(parent)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	paths, err := e.cat.ListActivePaths(ctx, repo.ID, prefix)
	if err != nil {
		return nil, fmt.Errorf("list paths: %w", err)
	}

	// A name can be both a file and a directory when a stale row shadows a
	// newer tree ("a" and "a/b.txt"); the directory wins.
	index := make(map[string]int)
	entries := []Entry{}
	for _, p := range paths {
		rest := strings.TrimPrefix(p, prefix)
		if rest == "" {
			continue
		}
		name, _, nested := strings.Cut(rest, "/")
		typ := EntryFile
		if nested {
			typ = EntryDir
		}
		full := pathutil.Join(dir, name)
		if i, ok := index[full]; ok {
			if typ == EntryDir {
				entries[i].Type = EntryDir
			}
			continue
		}
		index[full] = len(entries)
		entries = append(entries, Entry{Name: name, Path: full, Type: typ})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type == EntryDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// ListFlatTree returns every ADDED path of the repository, sorted.
func (e *Engine) ListFlatTree(ctx context.Context, repo *catalog.Repository) ([]string, error) {
	paths, err := e.cat.ListActivePaths(ctx, repo.ID, "")
	if err != nil {
		return nil, fmt.Errorf("list paths: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}
