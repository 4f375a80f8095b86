package lang

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	apperrors "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/errors"
)

// Resolver maps a requested direction to a supported canonical direction.
// The second return value is false when the direction is unsupported.
type Resolver interface {
	Resolve(d Direction) (Direction, bool)
}

// Require resolves d and fails with ErrUnsupportedDirection when r does not
// support it.
func Require(r Resolver, d Direction) (Direction, error) {
	resolved, ok := r.Resolve(d)
	if !ok {
		return Direction{}, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedDirection, d)
	}
	return resolved, nil
}

// Index resolves directions against a fixed set of supported ones: an exact
// match wins, otherwise the region-less languages are compared. Successful
// lookups are cached up to maxCachedResolutions entries.
type Index struct {
	supported map[Direction]struct{}
	byBase    map[Direction]Direction
	cache     sync.Map
	cached    atomic.Int64
}

const maxCachedResolutions = 1024

type resolution struct {
	dir Direction
	ok  bool
}

// NewIndex builds an Index over the given directions. When several supported
// directions share the same base languages, the first one listed is the
// fallback target.
func NewIndex(directions ...Direction) *Index {
	idx := &Index{
		supported: make(map[Direction]struct{}, len(directions)),
		byBase:    make(map[Direction]Direction, len(directions)),
	}
	for _, d := range directions {
		idx.supported[d] = struct{}{}
		base := Direction{Source: baseLanguage(d.Source), Target: baseLanguage(d.Target)}
		if _, exists := idx.byBase[base]; !exists {
			idx.byBase[base] = d
		}
	}
	return idx
}

// ParseIndex builds an Index from "<source>:<target>" strings.
func ParseIndex(specs []string) (*Index, error) {
	directions := make([]Direction, 0, len(specs))
	for _, s := range specs {
		d, err := ParseDirection(s)
		if err != nil {
			return nil, fmt.Errorf("parsing supported languages: %w", err)
		}
		directions = append(directions, d)
	}
	return NewIndex(directions...), nil
}

func (idx *Index) Resolve(d Direction) (Direction, bool) {
	if cached, ok := idx.cache.Load(d); ok {
		return cached.(Direction), true
	}
	r := idx.search(d)
	if r.ok && idx.cached.Load() < maxCachedResolutions {
		if _, loaded := idx.cache.LoadOrStore(d, r.dir); !loaded {
			idx.cached.Add(1)
		}
	}
	return r.dir, r.ok
}

// cacheLen reports how many resolutions are cached.
func (idx *Index) cacheLen() int { return int(idx.cached.Load()) }

func (idx *Index) search(d Direction) resolution {
	if _, ok := idx.supported[d]; ok {
		return resolution{dir: d, ok: true}
	}
	for s := range idx.supported {
		if strings.EqualFold(s.Source, d.Source) && strings.EqualFold(s.Target, d.Target) {
			return resolution{dir: s, ok: true}
		}
	}
	base := Direction{Source: baseLanguage(d.Source), Target: baseLanguage(d.Target)}
	if match, ok := idx.byBase[base]; ok {
		return resolution{dir: match, ok: true}
	}
	return resolution{}
}

// Directions returns the supported directions in no particular order.
func (idx *Index) Directions() []Direction {
	out := make([]Direction, 0, len(idx.supported))
	for d := range idx.supported {
		out = append(out, d)
	}
	return out
}
