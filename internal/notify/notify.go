// Package notify fans attendance events out to operator dashboards.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "garagedesk:attendance"

// EventType names an attendance transition.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventClaimed   EventType = "claimed"
	EventFinished  EventType = "finished"
	EventCancelled EventType = "cancelled"
)

// Event is published after a successful attendance transition.
type Event struct {
	Type         EventType           `json:"type"`
	Identity     string              `json:"identity"`
	TicketID     string              `json:"ticket_id"`
	Status       models.TicketStatus `json:"status"`
	Position     int                 `json:"position,omitempty"`
	OperatorID   int64               `json:"operator_id,omitempty"`
	OperatorName string              `json:"operator_name,omitempty"`
	At           time.Time           `json:"at"`
}

// NewEvent builds an event from the ticket a transition produced.
func NewEvent(typ EventType, t models.AttendanceTicket, at time.Time) Event {
	return Event{
		Type:         typ,
		Identity:     t.Identity,
		TicketID:     t.ID,
		Status:       t.Status,
		OperatorID:   t.ClaimedByID,
		OperatorName: t.ClaimedByName,
		At:           at,
	}
}

// Publisher delivers attendance events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher connects to the Redis server at url (redis:// or a bare host:port).
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		slog.Warn("RedisPublisher: URL not parseable, using it as address", "error", err)
		opt = &redis.Options{Addr: url}
	}
	if channel == "" {
		channel = DefaultChannel
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	slog.Info("RedisPublisher connected", "addr", opt.Addr, "channel", channel)
	return &RedisPublisher{rdb: rdb, channel: channel}, nil
}

// Publish sends e to the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	slog.Debug("RedisPublisher.Publish succeeded", "type", e.Type, "identity", e.Identity)
	return nil
}

// Subscribe calls fn for each event on the channel until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, fn func(Event)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Warn("RedisPublisher.Subscribe: dropping malformed event", "error", err)
				continue
			}
			fn(e)
		}
	}
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*RedisPublisher)(nil)
)
