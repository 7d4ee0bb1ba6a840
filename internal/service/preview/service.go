// Package preview buffers tapped pipeline events per org for inspection and
// runs the raw/processed collection channels.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/pipectl/internal/domain"
)

const (
	// DefaultBufferCapacity bounds each org's preview buffer.
	DefaultBufferCapacity = 1000
	// DefaultChannelCapacity bounds each collection channel.
	DefaultChannelCapacity = 100
	// DefaultMaxOrgs bounds how many org buffers a MemoryStore tracks.
	DefaultMaxOrgs = 1024
	// BufferIdleTTL expires a shared org buffer that stops receiving events.
	BufferIdleTTL = 24 * time.Hour

	// ChannelRaw collects events before processing.
	ChannelRaw = "raw"
	// ChannelProcessed collects events after processing.
	ChannelProcessed = "processed"

	strippedField = "service"
)

var (
	// ErrMissingOrg is returned when an event carries no org and the caller
	// is not authenticated.
	ErrMissingOrg = errors.New("preview event has no org")
	// ErrUnknownChannel is returned for channel names other than raw and processed.
	ErrUnknownChannel = errors.New("unknown collection channel")
	// ErrInvalidPayload is returned when an ingested body is not an object or
	// a list of objects.
	ErrInvalidPayload = errors.New("invalid preview payload")
)

// Broadcaster publishes ingested events to live subscribers.
type Broadcaster interface {
	Broadcast(orgID string, payload []byte)
}

// Service fronts the preview buffer and collection channels.
type Service struct {
	buffer   Store
	channels ChannelStore
	live     Broadcaster
	logger   *slog.Logger
}

// New returns a preview service. live may be nil.
func New(buffer Store, channels ChannelStore, live Broadcaster, logger *slog.Logger) Service {
	return Service{buffer: buffer, channels: channels, live: live, logger: logger.With("component", "preview")}
}

// Ingest files each event under its previewOrg, or authOrg when the event has
// none. If any event resolves to no org, nothing is stored.
func (s Service) Ingest(ctx context.Context, authOrg string, events []domain.PreviewEvent) (int, error) {
	authOrg = strings.TrimSpace(authOrg)
	var (
		order []string
		byOrg = make(map[string][]domain.PreviewEvent)
	)
	for _, e := range events {
		orgID := strings.TrimSpace(e.Org())
		if orgID == "" {
			orgID = authOrg
		}
		if orgID == "" {
			return 0, ErrMissingOrg
		}
		if _, ok := byOrg[orgID]; !ok {
			order = append(order, orgID)
		}
		byOrg[orgID] = append(byOrg[orgID], e)
	}
	for _, orgID := range order {
		batch := byOrg[orgID]
		if err := s.buffer.Append(ctx, orgID, batch); err != nil {
			return 0, fmt.Errorf("buffer events for org %s: %w", orgID, err)
		}
		s.publish(orgID, batch)
	}
	if len(events) > 0 {
		s.logger.Debug("preview events ingested", "events", len(events), "orgs", len(order))
	}
	return len(events), nil
}

func (s Service) publish(orgID string, events []domain.PreviewEvent) {
	if s.live == nil {
		return
	}
	for _, e := range events {
		payload, err := json.Marshal(e.Without(strippedField))
		if err != nil {
			s.logger.Warn("encode live preview event failed", "org_id", orgID, "err", err)
			continue
		}
		s.live.Broadcast(orgID, payload)
	}
}

// Query returns the org's buffered events, oldest first, optionally filtered
// by component id and preview type. Returned events never carry the "service"
// field.
func (s Service) Query(ctx context.Context, authOrg, component, previewType string) ([]domain.PreviewEvent, error) {
	authOrg = strings.TrimSpace(authOrg)
	if authOrg == "" {
		return nil, domain.ErrUnauthorized
	}
	events, err := s.buffer.List(ctx, authOrg)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PreviewEvent, 0, len(events))
	for _, e := range events {
		if component != "" && e.Component() != component {
			continue
		}
		if previewType != "" && e.Type() != previewType {
			continue
		}
		out = append(out, e.Without(strippedField))
	}
	return out, nil
}

// Reset empties the org's buffer.
func (s Service) Reset(ctx context.Context, authOrg string) error {
	authOrg = strings.TrimSpace(authOrg)
	if authOrg == "" {
		return domain.ErrUnauthorized
	}
	if err := s.buffer.Reset(ctx, authOrg); err != nil {
		return err
	}
	s.logger.Info("preview buffer reset", "org_id", authOrg)
	return nil
}

// DecodeEvents accepts a single JSON object or an arbitrarily nested list of
// objects and returns them flattened in order.
func DecodeEvents(raw []byte) ([]domain.PreviewEvent, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var out []domain.PreviewEvent
	if err := flatten(value, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(value any, out *[]domain.PreviewEvent) error {
	switch v := value.(type) {
	case map[string]any:
		*out = append(*out, domain.PreviewEvent(v))
	case []any:
		for _, item := range v {
			if err := flatten(item, out); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: expected object, got %T", ErrInvalidPayload, value)
	}
	return nil
}
