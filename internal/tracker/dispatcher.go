package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
)

// DispatcherConfig tunes outbox delivery.
type DispatcherConfig struct {
	PollInterval time.Duration
	// MaxAttempts is the number of failed deliveries after which an event is
	// dead-lettered.
	MaxAttempts int
	BatchSize   int
}

// DrainResult describes one pass over the outbox.
type DrainResult struct {
	Delivered int
	Failed    int
	Dead      int
}

// Dispatcher delivers outbox events to a Tracker. It runs a pass when
// kicked after a commit and on every poll interval, so events whose
// delivery failed are retried until they are delivered or dead-lettered.
//
// Only one pass runs at a time within a process. Several processes sharing
// one catalog may deliver the same event twice.
type Dispatcher struct {
	cat     catalog.Catalog
	tracker Tracker
	cfg     DispatcherConfig

	kick   chan struct{}
	drain  sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start to run it in the background.
func NewDispatcher(cat catalog.Catalog, tracker Tracker, cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Dispatcher{
		cat:     cat,
		tracker: tracker,
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
	}
}

// Start launches the delivery loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	logging.Info("outbox dispatcher started",
		zap.String("tracker", d.tracker.Name()),
		zap.Duration("poll_interval", d.cfg.PollInterval))
}

// Stop stops the loop and waits for a running pass to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	logging.Info("outbox dispatcher stopped")
}

// Kick requests a pass as soon as possible. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	// Deliver whatever an earlier run left behind.
	d.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			d.runPass(ctx)
		case <-ticker.C:
			d.runPass(ctx)
		}
	}
}

func (d *Dispatcher) runPass(ctx context.Context) {
	if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
		logging.Warn("outbox pass failed", zap.Error(err))
	}
}

// Drain makes one delivery attempt for up to BatchSize pending events, in
// insertion order.
func (d *Dispatcher) Drain(ctx context.Context) (DrainResult, error) {
	d.drain.Lock()
	defer d.drain.Unlock()

	var res DrainResult
	events, err := d.cat.PendingOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load outbox: %w", err)
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		delivered, dead, err := d.deliver(ctx, ev)
		if err != nil {
			return res, err
		}
		switch {
		case delivered:
			res.Delivered++
		case dead:
			res.Dead++
		default:
			res.Failed++
		}
	}

	metrics.SetOutboxPending(res.Failed)
	return res, nil
}

// deliver attempts one event. The returned error is a catalog failure; a
// tracker failure is recorded on the event instead.
func (d *Dispatcher) deliver(ctx context.Context, ev *catalog.OutboxEvent) (delivered, dead bool, err error) {
	log := logging.L().With(zap.Int64("outbox_id", ev.ID), zap.String("event_id", ev.EventID), zap.String("kind", ev.Kind))

	req, perr := decode(ev)
	if perr != nil {
		log.Error("dropping undeliverable outbox event", zap.Error(perr))
		metrics.RecordOutboxDelivery(ev.Kind, "dead")
		if err := d.cat.MarkOutboxFailed(ctx, ev.ID, perr.Error(), true); err != nil {
			return false, false, fmt.Errorf("mark outbox event %d failed: %w", ev.ID, err)
		}
		return false, true, nil
	}

	if terr := d.tracker.TrackRepository(ctx, req); terr != nil {
		dead = ev.Attempts+1 >= d.cfg.MaxAttempts
		if dead {
			log.Error("tracker notification dead-lettered", zap.Int("attempts", ev.Attempts+1), zap.Error(terr))
			metrics.RecordOutboxDelivery(ev.Kind, "dead")
		} else {
			log.Warn("tracker notification failed", zap.Int("attempts", ev.Attempts+1), zap.Error(terr))
			metrics.RecordOutboxDelivery(ev.Kind, "failed")
		}
		if err := d.cat.MarkOutboxFailed(ctx, ev.ID, terr.Error(), dead); err != nil {
			return false, false, fmt.Errorf("mark outbox event %d failed: %w", ev.ID, err)
		}
		return false, dead, nil
	}

	if err := d.cat.MarkOutboxDelivered(ctx, ev.ID); err != nil {
		// Delivered but not recorded: the next pass delivers it again.
		return false, false, fmt.Errorf("mark outbox event %d delivered: %w", ev.ID, err)
	}
	metrics.RecordOutboxDelivery(ev.Kind, "delivered")
	log.Info("tracker notified", zap.String("repository_url", req.RepositoryURL), zap.String("session_id", req.SessionID))
	return true, false, nil
}

func decode(ev *catalog.OutboxEvent) (TrackRequest, error) {
	var req TrackRequest
	if ev.Kind != EventTrackRepository {
		return req, fmt.Errorf("unknown outbox event kind %q", ev.Kind)
	}
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		return req, fmt.Errorf("decode payload: %w", err)
	}
	if req.RepositoryURL == "" {
		return req, fmt.Errorf("payload has no repository_url")
	}
	req.EventID = ev.EventID
	return req, nil
}
