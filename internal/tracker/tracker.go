// Package tracker notifies the external tracking subsystem about registered
// repositories. Notifications are written to the catalog outbox inside the
// registration transaction and delivered after commit by a Dispatcher, so a
// registration that rolls back never notifies anyone.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reposync/reposync/internal/catalog"
)

// EventTrackRepository is the outbox kind of a repository registration.
const EventTrackRepository = "track_repository"

// TrackRequest asks the tracking subsystem to watch a repository on behalf
// of a session.
type TrackRequest struct {
	EventID       string `json:"event_id,omitempty"`
	RepositoryURL string `json:"repository_url"`
	SessionID     string `json:"session_id"`
}

// Tracker delivers track requests to one kind of tracking subsystem.
// Deliveries are at least once; EventID lets receivers drop duplicates.
type Tracker interface {
	TrackRepository(ctx context.Context, req TrackRequest) error
	Name() string
	Close() error
}

// NewTrackEvent builds the outbox event for a registration.
func NewTrackEvent(repositoryURL, sessionID string) (*catalog.OutboxEvent, error) {
	payload, err := json.Marshal(TrackRequest{RepositoryURL: repositoryURL, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshal track request: %w", err)
	}
	return &catalog.OutboxEvent{Kind: EventTrackRepository, Payload: payload}, nil
}

// Config selects and configures a Tracker.
type Config struct {
	// Kind is "log", "webhook" or "kafka".
	Kind         string
	WebhookURL   string
	Timeout      time.Duration
	KafkaBrokers []string
	KafkaTopic   string
}

// New creates the tracker selected by cfg.Kind.
func New(cfg Config) (Tracker, error) {
	switch cfg.Kind {
	case "", "log":
		return NewLogTracker(), nil
	case "webhook":
		return NewWebhookTracker(cfg.WebhookURL, cfg.Timeout)
	case "kafka":
		return NewKafkaTracker(KafkaConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			WriteTimeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported tracker kind: %s", cfg.Kind)
	}
}
