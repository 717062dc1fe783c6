package main

import (
	"sync"

	"HTTPInterceptBox/src/transform"
)

// event is one SSE message: a new record, or a control note such as "cleared".
type event struct {
	Type   string            `json:"type"`
	Record *transform.Record `json:"record,omitempty"`
}

// SSE broadcaster for live updates
type sseBroker struct {
	sync.Mutex
	clients map[chan event]struct{}
}

func newSseBroker() *sseBroker {
	return &sseBroker{
		clients: make(map[chan event]struct{}),
	}
}

func (b *sseBroker) addClient() chan event {
	ch := make(chan event, 16)
	b.Lock()
	b.clients[ch] = struct{}{}
	b.Unlock()
	return ch
}

func (b *sseBroker) removeClient(ch chan event) {
	b.Lock()
	delete(b.clients, ch)
	close(ch)
	b.Unlock()
}

func (b *sseBroker) publish(ev event) {
	b.Lock()
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// drop if client is slow
		}
	}
	b.Unlock()
}

func (b *sseBroker) clientCount() int {
	b.Lock()
	defer b.Unlock()
	return len(b.clients)
}
