package store

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"

	"acople/pkg/message"
)

func chat(adapterID, chatID, nativeID, text string) *message.UniversalMessage {
	msg := message.New("test", adapterID, message.EventMessage)
	msg.Conversation.ID = chatID
	msg.Author = message.Author{ID: "u1", DisplayName: "Ana"}
	msg.Message = &message.Body{ID: nativeID, Text: text}
	return msg
}

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()
	runStoreContract(t, func(t *testing.T) Store { return NewMemory() })
}

func TestRedisStoreContract(t *testing.T) {
	addr := os.Getenv("ACOPLE_TEST_VALKEY")
	if addr == "" {
		t.Skip("ACOPLE_TEST_VALKEY not set")
	}

	runStoreContract(t, func(t *testing.T) Store {
		client := redis.NewClient(&redis.Options{Addr: addr})
		s := NewRedis(client, RedisOptions{HistoryKey: "history:test:" + t.Name()})
		if err := s.Purge(context.Background()); err != nil {
			t.Fatalf("Purge error: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("append indexes native id before returning", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		msg := chat("telegram-1", "200", "55", "hola")
		if err := s.Append(ctx, msg); err != nil {
			t.Fatalf("Append error: %v", err)
		}

		got, err := s.GetNativeID(ctx, msg.UniversalID, message.SourceEndpoint(msg))
		if err != nil || got != "55" {
			t.Fatalf("GetNativeID = %q, %v; want 55", got, err)
		}

		id, err := s.LookupUniversalID(ctx, "telegram-1", "55")
		if err != nil || id != msg.UniversalID {
			t.Fatalf("LookupUniversalID = %q, %v", id, err)
		}

		projection, err := s.GetByUniversalID(ctx, msg.UniversalID)
		if err != nil {
			t.Fatalf("GetByUniversalID error: %v", err)
		}
		if projection.ChatID != "200" || projection.Text != "hola" || projection.AuthorName != "Ana" {
			t.Fatalf("projection = %+v", projection)
		}
	})

	t.Run("missing entries return ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.GetByUniversalID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetByUniversalID error = %v", err)
		}
		if _, err := s.GetNativeID(ctx, "nope", message.Endpoint{AdapterID: "a-1", ChatID: "1"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetNativeID error = %v", err)
		}
		if _, err := s.LookupUniversalID(ctx, "a-1", "1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LookupUniversalID error = %v", err)
		}
	})

	t.Run("delivery index never rewrites origin", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		msg := chat("discord-1", "100", "900", "hi")
		if err := s.Append(ctx, msg); err != nil {
			t.Fatalf("Append error: %v", err)
		}

		delivered := Projection{AdapterID: "telegram-1", ChatID: "200", MessageID: "77"}
		if err := s.IndexDelivery(ctx, msg.UniversalID, delivered); err != nil {
			t.Fatalf("IndexDelivery error: %v", err)
		}

		origin, err := s.GetByUniversalID(ctx, msg.UniversalID)
		if err != nil || origin.AdapterID != "discord-1" || origin.MessageID != "900" {
			t.Fatalf("origin = %+v, %v", origin, err)
		}

		x := message.Endpoint{AdapterID: "telegram-1", ChatID: "200"}
		if got, err := s.GetNativeID(ctx, msg.UniversalID, x); err != nil || got != "77" {
			t.Fatalf("GetNativeID(X) = %q, %v", got, err)
		}
		y := message.Endpoint{AdapterID: "telegram-1", ChatID: "201"}
		if _, err := s.GetNativeID(ctx, msg.UniversalID, y); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetNativeID(Y) error = %v", err)
		}
	})

	t.Run("index delivery rejects incomplete input", func(t *testing.T) {
		s := newStore(t)
		if err := s.IndexDelivery(context.Background(), "id", Projection{AdapterID: "a-1", ChatID: "1"}); err == nil {
			t.Fatal("expected error without native id")
		}
	})

	t.Run("scan is most recent first and bounded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := range 10 {
			if err := s.Append(ctx, chat("web-1", "room", strconv.Itoa(i), "m"+strconv.Itoa(i))); err != nil {
				t.Fatalf("Append error: %v", err)
			}
		}

		recent, err := s.ScanRecent(ctx, nil, 3)
		if err != nil {
			t.Fatalf("ScanRecent error: %v", err)
		}
		if len(recent) != 3 || recent[0].Text != "m9" || recent[2].Text != "m7" {
			t.Fatalf("recent = %+v", recent)
		}

		old, err := s.ScanRecent(ctx, func(p Projection) bool { return p.Text == "m0" }, 5)
		if err != nil {
			t.Fatalf("ScanRecent error: %v", err)
		}
		if len(old) != 0 {
			t.Fatalf("entry outside the window should not be found: %+v", old)
		}

		all, err := s.ScanRecent(ctx, func(p Projection) bool { return p.Text == "m0" }, 0)
		if err != nil || len(all) != 1 {
			t.Fatalf("unbounded scan = %+v, %v", all, err)
		}
	})

	t.Run("non chat events go to history only", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		join := message.New("test", "web-1", message.EventJoin)
		join.Conversation.ID = "room"
		join.SocialEvent = &message.SocialEvent{Action: "join"}
		if err := s.Append(ctx, join); err != nil {
			t.Fatalf("Append error: %v", err)
		}

		if _, err := s.GetByUniversalID(ctx, join.UniversalID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("social event should not be indexed, err = %v", err)
		}
		recent, err := s.ScanRecent(ctx, nil, 10)
		if err != nil || len(recent) != 1 || recent[0].UniversalID != join.UniversalID {
			t.Fatalf("recent = %+v, %v", recent, err)
		}
	})

	t.Run("purge clears history and indexes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		msg := chat("telegram-1", "1", "2", "x")
		if err := s.Append(ctx, msg); err != nil {
			t.Fatalf("Append error: %v", err)
		}
		if err := s.Purge(ctx); err != nil {
			t.Fatalf("Purge error: %v", err)
		}

		if _, err := s.GetByUniversalID(ctx, msg.UniversalID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after purge, got %v", err)
		}
		recent, err := s.ScanRecent(ctx, nil, 10)
		if err != nil || len(recent) != 0 {
			t.Fatalf("recent after purge = %+v, %v", recent, err)
		}
	})
}

func TestMemoryConcurrentAppendAndScan(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				_ = s.Append(ctx, chat("a-"+strconv.Itoa(w+1), "c", strconv.Itoa(i), "t"))
			}
		}()
	}

	for range 20 {
		entries, err := s.ScanRecent(ctx, nil, 1000)
		if err != nil {
			t.Fatalf("ScanRecent error: %v", err)
		}
		for _, entry := range entries {
			if entry.UniversalID == "" || entry.MessageID == "" {
				t.Fatalf("observed partial entry: %+v", entry)
			}
		}
	}
	wg.Wait()

	if s.Len() != 200 {
		t.Fatalf("Len = %d, want 200", s.Len())
	}
}
