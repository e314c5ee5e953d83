package tracker

import (
	"context"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/logging"
)

// LogTracker only logs track requests. It is the default when no tracking
// subsystem is configured.
type LogTracker struct{}

func NewLogTracker() *LogTracker { return &LogTracker{} }

func (LogTracker) Name() string { return "log" }

func (LogTracker) Close() error { return nil }

func (LogTracker) TrackRepository(ctx context.Context, req TrackRequest) error {
	logging.WithContext(ctx).Info("tracking repository",
		zap.String("event_id", req.EventID),
		zap.String("repository_url", req.RepositoryURL),
		zap.String("session_id", req.SessionID))
	return nil
}
