package pi_short_circuit

import (
	"fmt"
	"net/http"
)

// Broker relays emitted events to every connected server-sent-events client.
type Broker struct {
	Outgoing chan string

	clients        map[chan string]bool
	newClients     chan chan string
	defunctClients chan chan string
	quit           chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		Outgoing:       make(chan string, 64),
		clients:        make(map[chan string]bool),
		newClients:     make(chan chan string),
		defunctClients: make(chan chan string),
		quit:           make(chan struct{}),
	}
}

func (b *Broker) Start() {
	go func() {
		for {
			select {
			case s := <-b.newClients:
				b.clients[s] = true
			case s := <-b.defunctClients:
				delete(b.clients, s)
				close(s)
			case msg := <-b.Outgoing:
				for s := range b.clients {
					select {
					case s <- msg:
					default:
					}
				}
			case <-b.quit:
				for s := range b.clients {
					delete(b.clients, s)
					close(s)
				}
				return
			}
		}
	}()
}

func (b *Broker) Stop() {
	close(b.quit)
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming Unsupported", http.StatusInternalServerError)
		return
	}

	messageChan := make(chan string, 16)
	select {
	case b.newClients <- messageChan:
	case <-b.quit:
		http.Error(w, "Broker Stopped", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	f.Flush()

	for {
		select {
		case <-r.Context().Done():
			select {
			case b.defunctClients <- messageChan:
			case <-b.quit:
			}
			return
		case msg, open := <-messageChan:
			if !open {
				return
			}
			fmt.Fprint(w, msg)
			f.Flush()
		}
	}
}
