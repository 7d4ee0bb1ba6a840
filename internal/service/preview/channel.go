package preview

import (
	"context"
	"fmt"

	"github.com/splax/pipectl/internal/domain"
)

// ChannelState describes a collection channel after a transition.
type ChannelState struct {
	Channel    string `json:"channel"`
	Collecting bool   `json:"collecting"`
}

// ValidChannel reports whether name is a known collection channel.
func ValidChannel(name string) bool {
	return name == ChannelRaw || name == ChannelProcessed
}

func checkChannel(name string) error {
	if !ValidChannel(name) {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return nil
}

// StartCollecting clears the channel and begins accepting events.
func (s Service) StartCollecting(ctx context.Context, name string) (ChannelState, error) {
	if err := checkChannel(name); err != nil {
		return ChannelState{}, err
	}
	if err := s.channels.Start(ctx, name); err != nil {
		return ChannelState{}, err
	}
	s.logger.Info("collection started", "channel", name)
	return ChannelState{Channel: name, Collecting: true}, nil
}

// StopCollecting stops accepting events and clears the channel.
func (s Service) StopCollecting(ctx context.Context, name string) (ChannelState, error) {
	if err := checkChannel(name); err != nil {
		return ChannelState{}, err
	}
	if err := s.channels.Stop(ctx, name); err != nil {
		return ChannelState{}, err
	}
	s.logger.Info("collection stopped", "channel", name)
	return ChannelState{Channel: name, Collecting: false}, nil
}

// Post offers a batch to the channel. An idle channel acknowledges and drops
// it; the returned bool reports whether the batch was kept.
func (s Service) Post(ctx context.Context, name string, events []domain.PreviewEvent) (bool, error) {
	if err := checkChannel(name); err != nil {
		return false, err
	}
	return s.channels.Append(ctx, name, events)
}

// Read returns the channel's events, or none while idle.
func (s Service) Read(ctx context.Context, name string) (ChannelState, []domain.PreviewEvent, error) {
	if err := checkChannel(name); err != nil {
		return ChannelState{}, nil, err
	}
	collecting, events, err := s.channels.Snapshot(ctx, name)
	if err != nil {
		return ChannelState{}, nil, err
	}
	if !collecting || events == nil {
		events = []domain.PreviewEvent{}
	}
	return ChannelState{Channel: name, Collecting: collecting}, events, nil
}
