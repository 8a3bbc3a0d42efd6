package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/errs"
)

// Host is the session side of a save or load. ResetWithSeed must apply the
// map atomically, or not at all when ctx is already done.
type Host interface {
	PersistenceEnabled() bool
	Snapshot() *anchors.Snapshot
	ResetWithSeed(ctx context.Context, m *WorldMap) error
}

// Manager runs save and load against a Host.
type Manager struct {
	host  Host
	codec Codec
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCodec replaces the blob codec.
func WithCodec(c Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager using the default BlobCodec unless
// WithCodec is given.
func NewManager(host Host, opts ...Option) (*Manager, error) {
	m := &Manager{host: host, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.codec == nil {
		c, err := NewBlobCodec()
		if err != nil {
			return nil, err
		}
		m.codec = c
	}
	return m, nil
}

// Save serializes the committed registry snapshot. It reads one snapshot
// and never holds the registry lock, so ingestion continues meanwhile.
func (m *Manager) Save(ctx context.Context) ([]byte, Metadata, error) {
	if !m.host.PersistenceEnabled() {
		return nil, Metadata{}, fmt.Errorf("save: %w", errs.ErrPersistenceDisabled)
	}
	if err := errs.Checkpoint(ctx, "save"); err != nil {
		return nil, Metadata{}, err
	}
	wm := FromSnapshot(m.host.Snapshot(), m.now())
	blob, md, err := m.codec.Encode(ctx, wm)
	if err != nil {
		if errors.Is(err, errs.ErrOperationCancelled) {
			return nil, Metadata{}, err
		}
		if ctx.Err() != nil {
			return nil, Metadata{}, errs.Cancelled("save", ctx.Err())
		}
		opsf("save failed: %v", err)
		return nil, Metadata{}, fmt.Errorf("save: %w", err)
	}
	if err := errs.Checkpoint(ctx, "save"); err != nil {
		return nil, Metadata{}, err
	}
	diagf("saved %d anchors into %d bytes", md.AnchorCount, md.Size)
	return blob, md, nil
}

// Load decodes blob and resets the host onto it. On any error the host's
// registry is left as it was.
func (m *Manager) Load(ctx context.Context, blob []byte) (Metadata, error) {
	if !m.host.PersistenceEnabled() {
		return Metadata{}, fmt.Errorf("load: %w", errs.ErrPersistenceDisabled)
	}
	if err := errs.Checkpoint(ctx, "load"); err != nil {
		return Metadata{}, err
	}
	wm, md, err := m.codec.Decode(ctx, blob)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrOperationCancelled), errors.Is(err, errs.ErrCorruptSnapshot):
		case ctx.Err() != nil:
			err = errs.Cancelled("load", ctx.Err())
		default:
			err = fmt.Errorf("%w: %w", errs.ErrCorruptSnapshot, err)
		}
		if errors.Is(err, errs.ErrCorruptSnapshot) {
			opsf("rejected world map: %v", err)
		}
		return Metadata{}, err
	}
	if err := errs.Checkpoint(ctx, "load"); err != nil {
		return Metadata{}, err
	}
	if err := m.host.ResetWithSeed(ctx, wm); err != nil {
		return Metadata{}, err
	}
	diagf("loaded %d anchors captured %s", md.AnchorCount, md.CapturedAt.Format(time.RFC3339))
	return md, nil
}
