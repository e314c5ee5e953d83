package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/metrics"
)

const repoColumns = `id, url, owner, name, created_at`

func scanRepository(row interface{ Scan(...any) error }) (*catalog.Repository, error) {
	var r catalog.Repository
	var created dbTime
	if err := row.Scan(&r.ID, &r.URL, &r.Owner, &r.Name, &created); err != nil {
		return nil, err
	}
	r.CreatedAt = created.Time
	return &r, nil
}

// GetRepository returns a repository by id.
func (s *Store) GetRepository(ctx context.Context, id int64) (*catalog.Repository, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_repository", time.Since(start)) }()

	row := s.q.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repositories WHERE id = $1`, id)
	r, err := scanRepository(row)
	if err != nil {
		return nil, notFound("catalog.GetRepository", err, "repository %d not found", id)
	}
	return r, nil
}

// FindOrCreateRepository returns the repository with the given URL, creating
// it when absent. created reports whether this call inserted the row.
func (s *Store) FindOrCreateRepository(ctx context.Context, url, owner, name string) (*catalog.Repository, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_or_create_repository", time.Since(start)) }()

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO repositories (url, owner, name, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (url) DO NOTHING`,
		url, owner, name, s.ts(s.now()))
	if err != nil {
		return nil, false, fmt.Errorf("insert repository: %w", err)
	}
	n, _ := res.RowsAffected()

	row := s.q.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repositories WHERE url = $1`, url)
	r, err := scanRepository(row)
	if err != nil {
		return nil, false, fmt.Errorf("load repository %s: %w", url, err)
	}
	return r, n > 0, nil
}

// LinkSession links a session to a repository, refreshing the link time when
// the link already exists.
func (s *Store) LinkSession(ctx context.Context, sessionID string, repoID int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("link_session", time.Since(start)) }()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO session_repos (session_id, repo_id, linked_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, repo_id) DO UPDATE SET linked_at = excluded.linked_at`,
		sessionID, repoID, s.ts(s.now()))
	if err != nil {
		return fmt.Errorf("link session %s to repository %d: %w", sessionID, repoID, err)
	}
	return nil
}

// ActiveRepository returns the repository most recently linked to a session.
func (s *Store) ActiveRepository(ctx context.Context, sessionID string) (*catalog.Repository, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("active_repository", time.Since(start)) }()

	row := s.q.QueryRowContext(ctx,
		`SELECT r.id, r.url, r.owner, r.name, r.created_at
		 FROM repositories r
		 JOIN session_repos sr ON sr.repo_id = r.id
		 WHERE sr.session_id = $1
		 ORDER BY sr.linked_at DESC, r.id DESC
		 LIMIT 1`, sessionID)
	r, err := scanRepository(row)
	if err != nil {
		return nil, notFound("catalog.ActiveRepository", err, "no repository registered for session %s", sessionID)
	}
	return r, nil
}
