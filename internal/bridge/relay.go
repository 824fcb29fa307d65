package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/altereigo/queenscorsar/internal/pipe"
	"github.com/rs/zerolog"
)

// Sender delivers a command to a sibling process. *Client implements it.
type Sender interface {
	Send(ctx context.Context, cmd Command) error
}

// Outbox is the producing side of a relay: commands sent on it are delivered
// by the Relay that owns the peer endpoint.
type Outbox = pipe.Endpoint[Command, struct{}]

// Relay drains an Outbox and delivers each command to a sibling. Delivery is
// at most once: a failed delivery is logged and the command is dropped.
type Relay struct {
	in     *pipe.Endpoint[struct{}, Command]
	sender Sender
	log    zerolog.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
}

// RelayOpts holds parameters for creating a Relay.
type RelayOpts struct {
	Sender Sender
	Logger zerolog.Logger
}

// NewRelay creates a Relay and the Outbox that feeds it.
func NewRelay(opts RelayOpts) (*Relay, *Outbox, error) {
	if opts.Sender == nil {
		return nil, nil, fmt.Errorf("bridge: relay: sender is required")
	}
	out, in := pipe.NewPair[Command, struct{}]()
	return &Relay{
		in:     in,
		sender: opts.Sender,
		log:    opts.Logger.With().Str("from", "bridge.relay").Logger(),
	}, out, nil
}

// Run delivers commands until ctx is cancelled or the Outbox is closed. On
// return the relay's endpoint is closed, so further sends on the Outbox fail
// with pipe.ErrPeerGone.
func (r *Relay) Run(ctx context.Context) error {
	defer r.in.Close()
	for {
		cmd, err := r.in.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pipe.ErrSenderGone) {
				return nil
			}
			return fmt.Errorf("bridge: relay: %w", err)
		}

		if err := r.sender.Send(ctx, cmd); err != nil {
			r.dropped.Add(1)
			r.log.Warn().Err(err).Str("command_id", cmd.ID.String()).Msg("sibling delivery failed, command dropped")
			continue
		}
		r.delivered.Add(1)
		r.log.Debug().Str("command_id", cmd.ID.String()).Msg("command delivered to sibling")
	}
}

// Delivered reports how many commands reached the sibling.
func (r *Relay) Delivered() int64 { return r.delivered.Load() }

// Dropped reports how many commands the sibling did not accept.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }
