// Package websocket streams runner lifecycle events to connected
// management API clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harryfinbow/runner-manager/params"
)

func NewHub(ctx context.Context) *Hub {
	return &Hub{
		clients:    map[string]*Client{},
		broadcast:  make(chan []byte, 100),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		ctx:        ctx,
		closed:     make(chan struct{}),
		quit:       make(chan struct{}),
	}
}

type Hub struct {
	ctx    context.Context
	closed chan struct{}
	quit   chan struct{}
	// Registered clients.
	clients map[string]*Client

	// Outbound messages to the clients.
	broadcast chan []byte

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			close(h.closed)
			return
		case <-h.ctx.Done():
			close(h.closed)
			return
		case client := <-h.register:
			if client != nil {
				h.clients[client.id] = client
			}
		case client := <-h.unregister:
			if client != nil {
				if _, ok := h.clients[client.id]; ok {
					delete(h.clients, client.id)
				}
			}
		case message := <-h.broadcast:
			for id, client := range h.clients {
				if client == nil {
					continue
				}

				if _, err := client.Write(message); err != nil {
					client.Stop()
					delete(h.clients, id)
				}
			}
		}
	}
}

func (h *Hub) Register(client *Client) error {
	h.register <- client
	return nil
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// NotifyEvent broadcasts one runner lifecycle event to all connected
// clients. Safe to pass as the notify callback of the lifecycle
// managers.
func (h *Hub) NotifyEvent(event params.RunnerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	// Drop the event when the broadcast buffer is full; the stream is a
	// live view, not a journal.
	select {
	case h.broadcast <- data:
	default:
	}
}

func (h *Hub) Write(msg []byte) (int, error) {
	select {
	case <-time.After(5 * time.Second):
		return 0, fmt.Errorf("timed out sending message to client")
	case h.broadcast <- msg:
	}
	return len(msg), nil
}

func (h *Hub) Start() error {
	go h.run()
	return nil
}

func (h *Hub) Stop() error {
	close(h.quit)
	select {
	case <-h.closed:
		return nil
	case <-time.After(60 * time.Second):
		return fmt.Errorf("timed out waiting for hub stop")
	}
}

func (h *Hub) Wait() {
	select {
	case <-h.closed:
	case <-time.After(60 * time.Second):
	}
}
