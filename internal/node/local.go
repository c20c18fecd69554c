package node

import (
	"context"
	"sync"

	"github.com/klingon-exchange/swapd/pkg/logging"
)

// LocalHub is an in-process broadcast bus with the same delivery semantics
// as the GossipSub transport: every endpoint except the sender receives
// each message, and a full inbox drops the message.
type LocalHub struct {
	mu     sync.Mutex
	subs   map[string]map[*localSub]struct{}
	nextID int
	log    *logging.Logger
}

type localSub struct {
	owner int
	ch    chan []byte
}

// NewLocalHub creates an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{
		subs: make(map[string]map[*localSub]struct{}),
		log:  logging.GetDefault().Component("localhub"),
	}
}

// LocalEndpoint is one participant on a LocalHub.
type LocalEndpoint struct {
	hub *LocalHub
	id  int
}

// Endpoint registers a new participant.
func (h *LocalHub) Endpoint() *LocalEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return &LocalEndpoint{hub: h, id: h.nextID}
}

// Publish delivers data to every other endpoint subscribed to topic.
func (e *LocalEndpoint) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()

	for sub := range e.hub.subs[topic] {
		if sub.owner == e.id {
			continue
		}
		msg := append([]byte(nil), data...)
		select {
		case sub.ch <- msg:
		default:
			e.hub.log.Warn("Dropping swap message, inbox full", "topic", topic)
		}
	}
	return nil
}

// Subscribe returns the messages other endpoints publish on topic.
func (e *LocalEndpoint) Subscribe(topic string) (<-chan []byte, func(), error) {
	sub := &localSub{owner: e.id, ch: make(chan []byte, inboxSize)}

	e.hub.mu.Lock()
	if e.hub.subs[topic] == nil {
		e.hub.subs[topic] = make(map[*localSub]struct{})
	}
	e.hub.subs[topic][sub] = struct{}{}
	e.hub.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.hub.mu.Lock()
			defer e.hub.mu.Unlock()
			delete(e.hub.subs[topic], sub)
			if len(e.hub.subs[topic]) == 0 {
				delete(e.hub.subs, topic)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}
