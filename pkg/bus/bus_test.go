package bus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"acople/pkg/message"
)

func testMessage(text string) *message.UniversalMessage {
	msg := message.New("test", "web-1", message.EventMessage)
	msg.Conversation.ID = "room"
	msg.Message = &message.Body{ID: "1", Text: text}
	return msg
}

func receive(t *testing.T, ch <-chan *message.UniversalMessage) *message.UniversalMessage {
	t.Helper()

	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestFanoutDeliversToEverySubscriber(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(func() { _ = mb.Close() })

	ctx := context.Background()
	subA, unsubA, err := mb.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubA()
	subB, unsubB, err := mb.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubB()

	if err := mb.Publish(ctx, testMessage("hello")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	a := receive(t, subA)
	b := receive(t, subB)
	if a.Text() != "hello" || b.Text() != "hello" {
		t.Fatalf("got %q and %q", a.Text(), b.Text())
	}

	a.Message.Text = "mutated"
	if b.Text() != "hello" {
		t.Fatal("subscribers must not share message state")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(func() { _ = mb.Close() })

	ctx := context.Background()
	sub, unsubscribe, err := mb.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubscribe()

	if err := mb.Publish(ctx, testMessage("first")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	start := time.Now()
	if err := mb.Publish(ctx, testMessage("second")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish blocked on slow subscriber")
	}

	if got := receive(t, sub); got.Text() != "first" {
		t.Fatalf("text = %q, want first", got.Text())
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()

	sub, _, err := mb.Subscribe(context.Background(), 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	_ = mb.Close()

	if err := mb.Publish(context.Background(), testMessage("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish error = %v, want ErrClosed", err)
	}
	if _, _, err := mb.Subscribe(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe error = %v, want ErrClosed", err)
	}

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected closed subscription")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscription did not close with the bus")
	}
}

func TestContextCancellationEndsSubscription(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(func() { _ = mb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	sub, _, err := mb.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected closed subscription")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscription did not close on cancel")
	}

	if err := mb.Publish(ctx, testMessage("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Publish error = %v, want context.Canceled", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(func() { _ = mb.Close() })

	ctx := context.Background()
	sub, unsubscribe, err := mb.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	unsubscribe()
	unsubscribe()

	if err := mb.Publish(ctx, testMessage("x")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if _, ok := <-sub; ok {
		t.Fatal("expected closed subscription after unsubscribe")
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("ACOPLE_TEST_VALKEY")
	if addr == "" {
		t.Skip("ACOPLE_TEST_VALKEY not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	rb := NewRedisBus(client, "acople:test:"+t.Name(), nil)
	t.Cleanup(func() { _ = rb.Close() })

	ctx := context.Background()
	sub, unsubscribe, err := rb.Subscribe(ctx, 4)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubscribe()

	sent := testMessage("over valkey")
	sent.Thread = &message.Thread{ID: "9"}
	if err := rb.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	got := receive(t, sub)
	if got.UniversalID != sent.UniversalID || got.ThreadID() != "9" || got.Text() != "over valkey" {
		t.Fatalf("received %+v", got)
	}
}
