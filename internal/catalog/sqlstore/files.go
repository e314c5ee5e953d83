package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/metrics"
)

const fileColumns = `id, repo_id, path, storage_key, state, created_at, updated_at`

func scanFile(row interface{ Scan(...any) error }) (*catalog.File, error) {
	var f catalog.File
	var key sql.NullString
	var state string
	var created, updated dbTime
	if err := row.Scan(&f.ID, &f.RepoID, &f.Path, &key, &state, &created, &updated); err != nil {
		return nil, err
	}
	f.StorageKey = key.String
	f.State = catalog.FileState(state)
	f.CreatedAt = created.Time
	f.UpdatedAt = updated.Time
	return &f, nil
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...any) ([]*catalog.File, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*catalog.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFile returns the row for (repository, path).
func (s *Store) GetFile(ctx context.Context, repoID int64, path string) (*catalog.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	row := s.q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE repo_id = $1 AND path = $2`, repoID, path)
	f, err := scanFile(row)
	if err != nil {
		return nil, notFound("catalog.GetFile", err, "file %s not found", path)
	}
	return f, nil
}

// GetFileByID returns a file row by id.
func (s *Store) GetFileByID(ctx context.Context, id int64) (*catalog.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file_by_id", time.Since(start)) }()

	row := s.q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id)
	f, err := scanFile(row)
	if err != nil {
		return nil, notFound("catalog.GetFileByID", err, "file %d not found", id)
	}
	return f, nil
}

// ListFiles returns every row of a repository, in any state, ordered by path.
func (s *Store) ListFiles(ctx context.Context, repoID int64) ([]*catalog.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_files", time.Since(start)) }()

	files, err := s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM files WHERE repo_id = $1 ORDER BY path`, repoID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// ListActivePaths returns the paths of ADDED files starting with prefix.
func (s *Store) ListActivePaths(ctx context.Context, repoID int64, prefix string) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_active_paths", time.Since(start)) }()

	// substr counts characters in both dialects; LIKE would need escaping.
	rows, err := s.q.QueryContext(ctx,
		`SELECT path FROM files
		 WHERE repo_id = $1 AND state = $2 AND substr(path, 1, $3) = $4
		 ORDER BY path`,
		repoID, string(catalog.StateAdded), utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ListCachedFiles returns ADDED files that have a storage key.
func (s *Store) ListCachedFiles(ctx context.Context, repoID int64) ([]*catalog.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_cached_files", time.Since(start)) }()

	files, err := s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE repo_id = $1 AND state = $2 AND storage_key IS NOT NULL
		 ORDER BY path`,
		repoID, string(catalog.StateAdded))
	if err != nil {
		return nil, fmt.Errorf("list cached files: %w", err)
	}
	return files, nil
}

// ListPendingDeletes returns up to limit PENDING_DELETE files across all
// repositories, oldest first.
func (s *Store) ListPendingDeletes(ctx context.Context, limit int) ([]*catalog.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_pending_deletes", time.Since(start)) }()

	files, err := s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM files WHERE state = $1 ORDER BY id LIMIT $2`,
		string(catalog.StatePendingDelete), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending deletes: %w", err)
	}
	return files, nil
}

// UpsertRemoteFile implements catalog.Catalog.
func (s *Store) UpsertRemoteFile(ctx context.Context, repoID int64, path string) (*catalog.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_remote_file", time.Since(start)) }()

	row := s.q.QueryRowContext(ctx,
		`INSERT INTO files (repo_id, path, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (repo_id, path) DO UPDATE SET
		     state = excluded.state,
		     updated_at = excluded.updated_at,
		     storage_key = CASE WHEN files.state = 'DELETED' THEN NULL ELSE files.storage_key END
		 RETURNING `+fileColumns,
		repoID, path, string(catalog.StateAdded), s.ts(s.now()))
	f, err := scanFile(row)
	if err != nil {
		return nil, fmt.Errorf("upsert file %s: %w", path, err)
	}
	return f, nil
}

// UpsertCachedFile implements catalog.Catalog.
func (s *Store) UpsertCachedFile(ctx context.Context, repoID int64, path, storageKey string) (*catalog.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_cached_file", time.Since(start)) }()

	row := s.q.QueryRowContext(ctx,
		`INSERT INTO files (repo_id, path, storage_key, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (repo_id, path) DO UPDATE SET
		     storage_key = excluded.storage_key,
		     state = excluded.state,
		     updated_at = excluded.updated_at
		 RETURNING `+fileColumns,
		repoID, path, storageKey, string(catalog.StateAdded), s.ts(s.now()))
	f, err := scanFile(row)
	if err != nil {
		return nil, fmt.Errorf("upsert file %s: %w", path, err)
	}
	return f, nil
}

// SetStorageKey records the cache key of a file populated on read.
func (s *Store) SetStorageKey(ctx context.Context, fileID int64, storageKey string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_storage_key", time.Since(start)) }()

	res, err := s.q.ExecContext(ctx,
		`UPDATE files SET storage_key = $1, updated_at = $2 WHERE id = $3`,
		storageKey, s.ts(s.now()), fileID)
	if err != nil {
		return fmt.Errorf("set storage key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("catalog.SetStorageKey", "file %d not found", fileID)
	}
	return nil
}

// MarkPendingDelete records the intent to delete a file.
func (s *Store) MarkPendingDelete(ctx context.Context, fileID int64) (*catalog.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mark_pending_delete", time.Since(start)) }()

	row := s.q.QueryRowContext(ctx,
		`UPDATE files SET state = $1, updated_at = $2 WHERE id = $3 RETURNING `+fileColumns,
		string(catalog.StatePendingDelete), s.ts(s.now()), fileID)
	f, err := scanFile(row)
	if err != nil {
		return nil, notFound("catalog.MarkPendingDelete", err, "file %d not found", fileID)
	}
	return f, nil
}

// MarkDeleted implements catalog.Catalog.
func (s *Store) MarkDeleted(ctx context.Context, fileID int64) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mark_deleted", time.Since(start)) }()

	res, err := s.q.ExecContext(ctx,
		`UPDATE files SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
		string(catalog.StateDeleted), s.ts(s.now()), fileID, string(catalog.StatePendingDelete))
	if err != nil {
		return false, fmt.Errorf("mark deleted: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
