package node

import (
	"context"
	"errors"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// inboxSize bounds the messages buffered per subscription. Swap messages
// are rebroadcast periodically, so dropping on overflow only delays them.
const inboxSize = 64

// maxSwapMessageSize bounds a signed swap message. The largest carries a
// funding spend preimage transaction.
const maxSwapMessageSize = 64 << 10

// ErrPubSubUnavailable is returned when the node has no GossipSub router.
var ErrPubSubUnavailable = errors.New("pubsub not initialized")

// validateSwapMessage drops empty and oversized messages before they are
// forwarded. Signatures are checked by the swap engine.
func validateSwapMessage(_ context.Context, _ peer.ID, msg *pubsub.Message) bool {
	return len(msg.Data) > 0 && len(msg.Data) <= maxSwapMessageSize
}

func (n *Node) joinTopic(name string) (*pubsub.Topic, error) {
	if n.pubsub == nil {
		return nil, ErrPubSubUnavailable
	}

	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()

	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	if err := n.pubsub.RegisterTopicValidator(name, validateSwapMessage); err != nil {
		return nil, fmt.Errorf("failed to register validator for %s: %w", name, err)
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		n.pubsub.UnregisterTopicValidator(name)
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// Publish broadcasts data on a topic.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe delivers every message published on topic by other peers. The
// returned function cancels the subscription, closes the channel and leaves
// the topic.
func (n *Node) Subscribe(topic string) (<-chan []byte, func(), error) {
	t, err := n.joinTopic(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(n.ctx)
	out := make(chan []byte, inboxSize)

	go func() {
		defer close(out)
		defer n.LeaveTopic(topic)
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == n.host.ID() {
				continue
			}
			select {
			case out <- msg.Data:
			default:
				n.log.Warn("Dropping swap message, inbox full", "topic", topic, "from", shortID(msg.ReceivedFrom))
			}
		}
	}()

	return out, cancel, nil
}

// LeaveTopic closes a topic once no subscription uses it anymore.
func (n *Node) LeaveTopic(topic string) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()

	if t, ok := n.topics[topic]; ok {
		if err := t.Close(); err == nil {
			delete(n.topics, topic)
			n.pubsub.UnregisterTopicValidator(topic)
		}
	}
}

func (n *Node) closeTopics() {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()

	for name, t := range n.topics {
		t.Close()
		delete(n.topics, name)
	}
}
