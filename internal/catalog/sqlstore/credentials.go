package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/metrics"
)

// PutCredential stores or replaces the token of a session. The token is
// sealed when a TokenSealer is configured.
func (s *Store) PutCredential(ctx context.Context, sessionID, token string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("put_credential", time.Since(start)) }()

	stored, err := s.sealer.Seal(token)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO credentials (session_id, token, created_at, last_validated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (session_id) DO UPDATE SET
		     token = excluded.token,
		     last_validated_at = excluded.last_validated_at`,
		sessionID, stored, s.ts(s.now()))
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// GetCredential returns the token stored for a session.
func (s *Store) GetCredential(ctx context.Context, sessionID string) (*catalog.Credential, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_credential", time.Since(start)) }()

	var c catalog.Credential
	var stored string
	var created, validated dbTime
	err := s.q.QueryRowContext(ctx,
		`SELECT session_id, token, created_at, last_validated_at FROM credentials WHERE session_id = $1`,
		sessionID).Scan(&c.SessionID, &stored, &created, &validated)
	if err != nil {
		return nil, notFound("catalog.GetCredential", err, "no credential stored for session %s", sessionID)
	}

	c.Token, err = s.sealer.Open(stored)
	if err != nil {
		return nil, fmt.Errorf("open credential: %w", err)
	}
	c.CreatedAt = created.Time
	c.LastValidatedAt = validated.ptr()
	return &c, nil
}
