package node

import (
	"context"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestLocalHubDelivery(t *testing.T) {
	hub := NewLocalHub()
	alice := hub.Endpoint()
	bob := hub.Endpoint()

	aliceIn, aliceCancel, err := alice.Subscribe("swapv2/test")
	if err != nil {
		t.Fatal(err)
	}
	defer aliceCancel()
	bobIn, bobCancel, err := bob.Subscribe("swapv2/test")
	if err != nil {
		t.Fatal(err)
	}
	defer bobCancel()

	if err := alice.Publish(context.Background(), "swapv2/test", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	if got := receive(t, bobIn); string(got) != "hello" {
		t.Errorf("bob got %q", got)
	}
	select {
	case msg := <-aliceIn:
		t.Errorf("sender received its own message %q", msg)
	default:
	}
}

func TestLocalHubTopicIsolation(t *testing.T) {
	hub := NewLocalHub()
	alice := hub.Endpoint()
	bob := hub.Endpoint()

	other, cancel, _ := bob.Subscribe("swapv2/other")
	defer cancel()

	if err := alice.Publish(context.Background(), "swapv2/test", []byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-other:
		t.Errorf("unexpected message on other topic %q", msg)
	default:
	}
}

func TestLocalHubCancel(t *testing.T) {
	hub := NewLocalHub()
	alice := hub.Endpoint()
	bob := hub.Endpoint()

	in, cancel, _ := bob.Subscribe("swapv2/test")
	cancel()
	cancel()

	if _, ok := <-in; ok {
		t.Error("expected closed channel after cancel")
	}
	if err := alice.Publish(context.Background(), "swapv2/test", []byte("x")); err != nil {
		t.Errorf("publish after cancel: %v", err)
	}
}

func TestLocalHubDropsWhenFull(t *testing.T) {
	hub := NewLocalHub()
	alice := hub.Endpoint()
	bob := hub.Endpoint()

	in, cancel, _ := bob.Subscribe("swapv2/test")
	defer cancel()

	for i := 0; i < inboxSize+10; i++ {
		if err := alice.Publish(context.Background(), "swapv2/test", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if len(in) != inboxSize {
		t.Errorf("expected %d buffered messages, got %d", inboxSize, len(in))
	}
}

func TestLocalHubPublishCancelledContext(t *testing.T) {
	hub := NewLocalHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hub.Endpoint().Publish(ctx, "swapv2/test", nil); err == nil {
		t.Error("expected error for cancelled context")
	}
}
