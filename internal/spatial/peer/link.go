package peer

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/collab"
	"github.com/banshee-data/spatial.session/internal/spatial/errs"
	"github.com/banshee-data/spatial.session/internal/timeutil"
)

// Session is the collaboration surface of a session controller.
type Session interface {
	Encode(ctx context.Context) (*collab.Packet, error)
	Decode(ctx context.Context, p *collab.Packet) (anchors.Result, error)
}

// Transport sends and receives packets. *Client satisfies it.
type Transport interface {
	Send(p *collab.Packet) error
	Receive(ctx context.Context, handle func(*collab.Packet)) error
}

// Link encodes local changes on every tick and decodes whatever arrives.
type Link struct {
	Session   Session
	Transport Transport
	Clock     timeutil.Clock
	Interval  time.Duration

	// SendEmpty also sends packets without changes, as a heartbeat.
	SendEmpty bool
}

// Run pumps packets until ctx is done or the transport fails. Rejected and
// disabled packets are left to the session's error stream.
func (l *Link) Run(ctx context.Context) error {
	clock := l.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := l.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	recvErr := make(chan error, 1)
	go func() {
		recvErr <- l.Transport.Receive(ctx, func(p *collab.Packet) {
			if _, err := l.Session.Decode(ctx, p); err != nil {
				tracef("decode %s/%d: %v", p.OriginID, p.Sequence, err)
			}
		})
	}()

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErr:
			return err
		case <-ticker.C():
			if err := l.flush(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *Link) flush(ctx context.Context) error {
	p, err := l.Session.Encode(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrCollaborationDisabled), errors.Is(err, errs.ErrOperationCancelled):
		return nil
	default:
		return err
	}
	if len(p.Changes) == 0 && !l.SendEmpty {
		return nil
	}
	return l.Transport.Send(p)
}
