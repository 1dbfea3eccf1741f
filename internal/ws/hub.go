// Package ws streams live build logs to websocket subscribers, keyed by
// application.
package ws

import (
	"encoding/json"
	"time"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages log stream subscriptions by application ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	applicationID string
	payload       []byte
}

type subscription struct {
	applicationID string
	client        Subscriber
}

// NewHub creates a running Hub. buffer bounds how many undelivered
// broadcasts may queue before publishers block.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.applicationID]; !ok {
				h.clients[sub.applicationID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.applicationID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.applicationID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.applicationID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.applicationID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.applicationID)
				}
			}
		}
	}
}

// Register adds a client to an application's stream.
func (h *Hub) Register(applicationID string, client Subscriber) {
	h.register <- subscription{applicationID: applicationID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(applicationID string, client Subscriber) {
	h.unreg <- subscription{applicationID: applicationID, client: client}
}

// Broadcast sends payload to all of an application's clients.
func (h *Hub) Broadcast(applicationID string, payload []byte) {
	h.broadcast <- message{applicationID: applicationID, payload: payload}
}

// Publish formats one log line and broadcasts it. Satisfies the build
// pipeline's log sink.
func (h *Hub) Publish(applicationID, level, msg string) {
	payload, err := json.Marshal(map[string]string{
		"level":     level,
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	h.Broadcast(applicationID, payload)
}
