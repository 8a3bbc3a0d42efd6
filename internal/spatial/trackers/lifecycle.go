package trackers

import (
	"sort"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
)

type trackState uint8

const (
	trackTentative trackState = iota
	trackConfirmed
)

type track struct {
	id     string
	state  trackState
	hits   int
	misses int
	last   anchors.Anchor
}

// lifecycle maps sensor keys to anchor ids across frames. Ids are allocated
// once per key and never handed out again after the track is retired.
type lifecycle struct {
	name          string
	hitsToConfirm int
	maxMisses     int
	tracks        map[string]*track

	// onMiss may restate a confirmed anchor on its first miss.
	onMiss func(a anchors.Anchor) (anchors.Anchor, bool)
}

func newLifecycle(name string, cfg Config) *lifecycle {
	return &lifecycle{
		name:          name,
		hitsToConfirm: cfg.HitsToConfirm,
		maxMisses:     cfg.MaxMisses,
		tracks:        make(map[string]*track),
	}
}

// step folds one frame of keyed sightings into the tracks and returns the
// registry mutations, ordered by key.
func (l *lifecycle) step(seen map[string]anchors.Anchor) []anchors.Mutation {
	var muts []anchors.Mutation

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		t, ok := l.tracks[key]
		if !ok {
			t = &track{id: anchors.NewID()}
			l.tracks[key] = t
		}
		t.hits++
		t.misses = 0
		a := seen[key]
		a.ID = t.id
		t.last = a
		if t.state == trackTentative && t.hits >= l.hitsToConfirm {
			t.state = trackConfirmed
			diagf("%s confirmed %s as %s", l.name, key, t.id)
		}
		if t.state == trackConfirmed {
			muts = append(muts, anchors.UpsertOf(a))
		}
	}

	missing := make([]string, 0)
	for key := range l.tracks {
		if _, ok := seen[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		t := l.tracks[key]
		t.hits = 0
		t.misses++
		if t.state == trackTentative {
			delete(l.tracks, key)
			continue
		}
		if t.misses >= l.maxMisses {
			delete(l.tracks, key)
			muts = append(muts, anchors.RemoveOf(t.id))
			diagf("%s retired %s after %d misses", l.name, t.id, t.misses)
			continue
		}
		if t.misses == 1 && l.onMiss != nil {
			if a, ok := l.onMiss(t.last); ok {
				t.last = a
				muts = append(muts, anchors.UpsertOf(a))
			}
		}
	}
	return muts
}

// live is the number of tracks currently held, tentative included.
func (l *lifecycle) live() int { return len(l.tracks) }

// id returns the anchor id bound to key.
func (l *lifecycle) id(key string) (string, bool) {
	t, ok := l.tracks[key]
	if !ok {
		return "", false
	}
	return t.id, true
}

// ids lists the anchor ids of confirmed tracks. Tentative tracks have
// never been written.
func (l *lifecycle) ids() []string {
	var out []string
	for _, t := range l.tracks {
		if t.state == trackConfirmed {
			out = append(out, t.id)
		}
	}
	sort.Strings(out)
	return out
}
