package swap

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/pkg/logging"
	"github.com/lightningnetwork/lnd/clock"
)

// Mailbox keeps the latest verified message of each kind for one swap. A
// newer message of a kind replaces the older one.
type Mailbox struct {
	mu     sync.Mutex
	msgs   map[MessageKind]json.RawMessage
	notify chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		msgs:   make(map[MessageKind]json.RawMessage),
		notify: make(chan struct{}, 1),
	}
}

// Put stores data as the latest message of kind.
func (m *Mailbox) Put(kind MessageKind, data json.RawMessage) {
	m.mu.Lock()
	m.msgs[kind] = data
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Take removes and returns the latest message of kind.
func (m *Mailbox) Take(kind MessageKind) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.msgs[kind]
	if ok {
		delete(m.msgs, kind)
	}
	return data, ok
}

// Wait blocks until a message of kind arrives or the deadline passes.
func (m *Mailbox) Wait(ctx context.Context, clk clock.Clock, kind MessageKind, deadline time.Time) (json.RawMessage, error) {
	for {
		if data, ok := m.Take(kind); ok {
			return data, nil
		}
		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return nil, ErrMessageTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		case <-clk.TickAfter(remaining):
		}
	}
}

// pump verifies incoming envelopes and files them into the mailbox until
// in is closed.
func (m *Mailbox) pump(in <-chan []byte, id uuid.UUID, expected []byte, log *logging.Logger) {
	for raw := range in {
		msg, sender, err := DecodeMessage(raw)
		if err != nil {
			log.Warn("Dropping undecodable swap message", "error", err)
			continue
		}
		if err := checkSender(msg, sender, id, expected); err != nil {
			log.Warn("Dropping swap message", "kind", msg.Kind, "error", err)
			continue
		}
		m.Put(msg.Kind, msg.Data)
	}
}
