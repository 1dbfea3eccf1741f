// Package logstream carries live build log lines from worker agents to
// the control plane over Redis pub/sub, where the websocket hub fans
// them out to subscribers.
package logstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gantryhq/gantry/internal/ws"
)

const channelPrefix = "gantry:logs:"

// Publisher emits log lines onto the application's Redis channel. It
// satisfies the build pipeline's log sink; delivery is best effort.
type Publisher struct {
	client *redis.Client
	log    *slog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(client *redis.Client, log *slog.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

// Publish formats one log line and sends it to the application channel.
func (p *Publisher) Publish(applicationID, level, msg string) {
	payload, err := json.Marshal(map[string]string{
		"level":     level,
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, channelPrefix+applicationID, payload).Err(); err != nil {
		p.log.Debug("log publish failed", "application_id", applicationID, "error", err)
	}
}

// Relay subscribes to every application log channel and forwards lines
// to the websocket hub.
type Relay struct {
	client *redis.Client
	hub    *ws.Hub
	log    *slog.Logger
}

// NewRelay constructs a Relay.
func NewRelay(client *redis.Client, hub *ws.Hub, log *slog.Logger) *Relay {
	return &Relay{client: client, hub: hub, log: log}
}

// Run forwards messages until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			appID := strings.TrimPrefix(msg.Channel, channelPrefix)
			r.hub.Broadcast(appID, []byte(msg.Payload))
		}
	}
}
