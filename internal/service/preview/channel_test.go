package preview

import (
	"context"
	"errors"
	"testing"

	"github.com/splax/pipectl/internal/domain"
)

func batch(from, n int) []domain.PreviewEvent {
	out := make([]domain.PreviewEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.PreviewEvent{"seq": float64(from + i)})
	}
	return out
}

func exerciseChannels(t *testing.T, channels ChannelStore) {
	t.Helper()
	svc := newTestService(NewMemoryStore(10), channels, nil)
	ctx := context.Background()

	kept, err := svc.Post(ctx, ChannelRaw, batch(0, 5))
	if err != nil || kept {
		t.Fatalf("idle post: kept=%v err=%v", kept, err)
	}
	state, events, err := svc.Read(ctx, ChannelRaw)
	if err != nil || state.Collecting || len(events) != 0 {
		t.Fatalf("idle read: %+v %v %v", state, events, err)
	}

	if state, err := svc.StartCollecting(ctx, ChannelRaw); err != nil || !state.Collecting {
		t.Fatalf("start: %+v %v", state, err)
	}
	for i := 0; i < 3; i++ {
		if kept, err := svc.Post(ctx, ChannelRaw, batch(i*50, 50)); err != nil || !kept {
			t.Fatalf("collecting post: kept=%v err=%v", kept, err)
		}
	}
	state, events, err = svc.Read(ctx, ChannelRaw)
	if err != nil || !state.Collecting {
		t.Fatalf("collecting read: %+v %v", state, err)
	}
	if len(events) != DefaultChannelCapacity {
		t.Fatalf("expected %d events, got %d", DefaultChannelCapacity, len(events))
	}
	if events[0]["seq"] != float64(50) || events[len(events)-1]["seq"] != float64(149) {
		t.Fatalf("expected newest events kept in order, got first=%v last=%v", events[0]["seq"], events[len(events)-1]["seq"])
	}
	if _, other, _ := svc.Read(ctx, ChannelProcessed); len(other) != 0 {
		t.Fatalf("channels must be independent, processed has %d", len(other))
	}

	if _, err := svc.StartCollecting(ctx, ChannelRaw); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, events, _ := svc.Read(ctx, ChannelRaw); len(events) != 0 {
		t.Fatalf("expected start to clear the channel, got %d", len(events))
	}
	_, _ = svc.Post(ctx, ChannelRaw, batch(0, 3))
	if state, err := svc.StopCollecting(ctx, ChannelRaw); err != nil || state.Collecting {
		t.Fatalf("stop: %+v %v", state, err)
	}
	if _, events, _ := svc.Read(ctx, ChannelRaw); len(events) != 0 {
		t.Fatalf("expected stop to clear the channel, got %d", len(events))
	}

	if _, err := svc.StartCollecting(ctx, "bogus"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	if _, err := svc.Post(ctx, "bogus", batch(0, 1)); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel on post, got %v", err)
	}
}

func TestMemoryChannels(t *testing.T) {
	exerciseChannels(t, NewMemoryChannels(DefaultChannelCapacity))
}
