package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/GarageDesk/internal/attendance"
	"github.com/BTreeMap/GarageDesk/internal/config"
	"github.com/BTreeMap/GarageDesk/internal/conversation"
	"github.com/BTreeMap/GarageDesk/internal/notify"
	"github.com/BTreeMap/GarageDesk/internal/orchestrator"
	"github.com/BTreeMap/GarageDesk/internal/session"
	"github.com/BTreeMap/GarageDesk/internal/store"
)

// app is the transport-independent core shared by every command.
type app struct {
	store     store.Store
	sessions  *session.Manager
	queue     *attendance.Queue
	orch      *orchestrator.Orchestrator
	log       *conversation.Log
	publisher notify.Publisher
}

// newApp opens the store and assembles the core. A Redis outage only disables attendance events.
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	st, err := store.Open(c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var pub notify.Publisher = notify.NopPublisher{}
	if c.RedisURL != "" {
		rp, err := notify.NewRedisPublisher(ctx, c.RedisURL, c.RedisChannel)
		if err != nil {
			slog.Warn("Attendance events disabled: Redis unavailable", "error", err)
		} else {
			pub = rp
		}
	}

	sessions := session.NewManager(st,
		session.WithTTL(c.SessionTTL),
		session.WithContextLimit(c.ContextLimit))
	queue := attendance.NewQueue(st, attendance.WithDefaultPriority(c.DefaultPriority))
	return &app{
		store:     st,
		sessions:  sessions,
		queue:     queue,
		orch:      orchestrator.New(sessions, queue, orchestrator.WithPublisher(pub)),
		log:       conversation.NewLog(st, sessions),
		publisher: pub,
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.publisher.Close(), a.store.Close())
}
