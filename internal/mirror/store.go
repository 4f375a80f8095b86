// Package mirror is the local full-text mirror of the corpora: one document
// per ingested sentence pair plus a single document holding the channel
// offsets. Each commit persists the changes since the previous one as a new
// generation file; generations are merged into a single base on open and
// once the deltas outgrow the mirror.
package mirror

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/logger"
)

// Term is an exact indexed value of one field.
type Term struct {
	Field string
	Value string
}

func (t Term) key() string {
	return t.Field + "\x00" + t.Value
}

// Query selects documents holding every Must term and at least MinShould of
// the distinct Should terms.
type Query struct {
	Must      []Term
	Should    []Term
	MinShould int
}

// Hit is a matching document and its id.
type Hit struct {
	ID       uint64
	Document Document
}

var errReadOnly = errors.New("mirror opened read-only")

// maxDeltaGenerations bounds the number of delta files stacked on a base.
const maxDeltaGenerations = 256

// Store is an inverted index over stored documents. Changes are visible to
// searches immediately and become durable on Commit.
type Store struct {
	dir    string
	logger *slog.Logger

	commitMu sync.Mutex

	mu         sync.RWMutex
	docs       map[uint64]Document
	postings   map[string]map[uint64]int
	docTerms   map[uint64][]string
	channels   *Document
	nextID     uint64
	generation uint64
	dirty      bool
	closed     bool
	readOnly   bool

	// changes not yet committed
	added   map[uint64]struct{}
	deleted map[uint64]struct{}

	// delta generations written since the last base, and the documents and
	// tombstones they hold
	deltas       int
	deltaEntries int
}

// Open loads the newest readable base generation in dir and replays the
// deltas written after it. A damaged delta ends the replay; it and every
// newer file are renamed aside with a .damaged suffix. When more than one
// file was read the result is compacted into a new base. An empty dir
// yields an empty store.
func Open(dir string) (*Store, error) {
	return open(dir, false)
}

// OpenReadOnly loads the mirror like Open but never touches the files in
// dir. The returned store rejects commits.
func OpenReadOnly(dir string) (*Store, error) {
	return open(dir, true)
}

func open(dir string, readOnly bool) (*Store, error) {
	s := &Store{
		dir:      dir,
		logger:   logger.WithComponent("mirror"),
		docs:     make(map[uint64]Document),
		postings: make(map[string]map[uint64]int),
		docTerms: make(map[uint64][]string),
		nextID:   1,
		added:    make(map[uint64]struct{}),
		deleted:  make(map[uint64]struct{}),
		readOnly: readOnly,
	}
	if !readOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.StorageIO("create mirror directory", dir, err)
		}
	}
	gens, err := listGenerations(dir)
	if err != nil {
		return nil, apperrors.StorageIO("list mirror generations", dir, err)
	}

	read := make(map[uint64]generation, len(gens))
	base := -1
	for i, n := range gens {
		path := filepath.Join(dir, generationName(n))
		g, err := readGeneration(path)
		if err != nil {
			s.logger.Warn("skipping unreadable mirror generation", "path", path, "error", err)
			continue
		}
		read[n] = g
		if g.Base {
			base = i
			break
		}
	}
	if base < 0 {
		if len(gens) > 0 {
			return nil, apperrors.Corruptf(dir, "none of %d mirror generations is a readable base", len(gens))
		}
		return s, nil
	}

	s.apply(read[gens[base]])
	replayed := 1
	for i := base - 1; i >= 0; i-- {
		g, ok := read[gens[i]]
		if !ok {
			if !readOnly {
				s.setAside(gens[:i+1])
			}
			break
		}
		s.apply(g)
		replayed++
	}
	s.logger.Info("mirror opened",
		"generation", s.generation,
		"replayed", replayed,
		"docs", len(s.docs),
		"terms", len(s.postings),
	)

	if !readOnly && (replayed > 1 || base < len(gens)-1) {
		if err := s.commit(true); err != nil {
			s.logger.Warn("compacting mirror generations", "error", err)
		}
	}
	return s, nil
}

// apply replays one generation on top of the current state.
func (s *Store) apply(g generation) {
	for _, id := range g.Deleted {
		s.removeLocked(id)
	}
	for _, sd := range g.Docs {
		s.docs[sd.ID] = sd.Doc
	}
	for _, entry := range g.Terms {
		docs, ok := s.postings[entry.Term]
		if !ok {
			docs = make(map[uint64]int, len(entry.Postings))
			s.postings[entry.Term] = docs
		}
		for _, p := range entry.Postings {
			docs[p.DocID] = p.Frequency
			s.docTerms[p.DocID] = append(s.docTerms[p.DocID], entry.Term)
		}
	}
	if g.Channels != nil {
		s.channels = g.Channels
	}
	if g.NextID > s.nextID {
		s.nextID = g.NextID
	}
	s.generation = g.Number
}

// setAside renames generation files that can no longer be replayed so that
// new commits do not reuse their numbers.
func (s *Store) setAside(gens []uint64) {
	for _, n := range gens {
		path := filepath.Join(s.dir, generationName(n))
		if err := os.Rename(path, path+".damaged"); err != nil {
			s.logger.Warn("setting aside mirror generation", "path", path, "error", err)
			continue
		}
		s.logger.Warn("mirror generation set aside", "path", path)
	}
}

// Add indexes doc and keeps its stored fields. Channels documents go through
// PutChannels instead.
func (s *Store) Add(doc Document) (uint64, error) {
	if IsChannelsDocument(doc) {
		return 0, fmt.Errorf("channels document must be written with PutChannels")
	}
	freqs := indexTerms(doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, apperrors.ErrClosed
	}
	id := s.nextID
	s.nextID++
	keys := make([]string, 0, len(freqs))
	for key, freq := range freqs {
		docs, ok := s.postings[key]
		if !ok {
			docs = make(map[uint64]int)
			s.postings[key] = docs
		}
		docs[id] = freq
		keys = append(keys, key)
	}
	s.docTerms[id] = keys
	s.docs[id] = doc.stored()
	s.added[id] = struct{}{}
	s.dirty = true
	return id, nil
}

func indexTerms(doc Document) map[string]int {
	freqs := make(map[string]int)
	for _, f := range doc.Fields {
		if !f.Indexed() {
			continue
		}
		if f.Type != TextField {
			freqs[Term{Field: f.Name, Value: f.Value()}.key()]++
			continue
		}
		for _, tok := range tokenizer.Tokenize(f.Str) {
			freqs[Term{Field: f.Name, Value: tok.Term}.key()]++
		}
	}
	return freqs
}

// Delete removes every document holding all of terms and returns how many
// were removed. At least one term is required.
func (s *Store) Delete(terms ...Term) (int, error) {
	if len(terms) == 0 {
		return 0, fmt.Errorf("delete requires at least one term")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, apperrors.ErrClosed
	}
	ids := s.matchLocked(Query{Must: terms})
	for _, id := range ids {
		s.removeLocked(id)
		if _, pending := s.added[id]; pending {
			delete(s.added, id)
		} else {
			s.deleted[id] = struct{}{}
		}
	}
	if len(ids) > 0 {
		s.dirty = true
	}
	return len(ids), nil
}

// DeleteDomain removes every content document of domain.
func (s *Store) DeleteDomain(domain int64) (int, error) {
	return s.Delete(DomainTerm(domain))
}

// DeleteDirection removes the content documents of domain in one direction.
func (s *Store) DeleteDirection(domain int64, direction lang.Direction) (int, error) {
	return s.Delete(DomainTerm(domain), DirectionTerm(direction))
}

func (s *Store) removeLocked(id uint64) {
	for _, key := range s.docTerms[id] {
		docs := s.postings[key]
		delete(docs, id)
		if len(docs) == 0 {
			delete(s.postings, key)
		}
	}
	delete(s.docTerms, id)
	delete(s.docs, id)
}

// PutChannels replaces the channels document.
func (s *Store) PutChannels(doc Document) error {
	if !IsChannelsDocument(doc) {
		return fmt.Errorf("document has no %s field", ChannelsField)
	}
	stored := doc.stored()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrClosed
	}
	s.channels = &stored
	s.dirty = true
	return nil
}

// Channels returns the current channels document, if one was ever written.
func (s *Store) Channels() (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.channels == nil {
		return Document{}, false
	}
	return *s.channels, true
}

// Search returns up to limit matching documents in insertion order. A
// non-positive limit returns every match.
func (s *Store) Search(q Query, limit int) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.matchLocked(q)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		hits = append(hits, Hit{ID: id, Document: s.docs[id]})
	}
	return hits
}

// Match finds documents of exactly direction sharing a term with text.
func (s *Store) Match(direction lang.Direction, text string, limit int) []Hit {
	return s.Search(MatchQuery(direction, text), limit)
}

func (s *Store) matchLocked(q Query) []uint64 {
	var candidates map[uint64]struct{}
	for _, t := range q.Must {
		docs := s.postings[t.key()]
		if len(docs) == 0 {
			return nil
		}
		if candidates == nil {
			candidates = make(map[uint64]struct{}, len(docs))
			for id := range docs {
				candidates[id] = struct{}{}
			}
			continue
		}
		for id := range candidates {
			if _, ok := docs[id]; !ok {
				delete(candidates, id)
			}
		}
	}

	if len(q.Should) > 0 || q.MinShould > 0 {
		seen := make(map[string]struct{}, len(q.Should))
		counts := make(map[uint64]int)
		for _, t := range q.Should {
			key := t.key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			for id := range s.postings[key] {
				if candidates != nil {
					if _, ok := candidates[id]; !ok {
						continue
					}
				}
				counts[id]++
			}
		}
		candidates = make(map[uint64]struct{}, len(counts))
		for id, n := range counts {
			if n >= q.MinShould {
				candidates[id] = struct{}{}
			}
		}
	}

	ids := make([]uint64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DocCount counts content documents; the channels document is not included.
func (s *Store) DocCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Generation is the number of the last committed generation, 0 if none.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Commit writes the changes made since the last commit as a new generation.
// A full base is written instead, and the older generations removed, when
// the store has no generation yet or the deltas have outgrown it. It is a
// no-op when nothing changed.
func (s *Store) Commit() error {
	return s.commit(false)
}

func (s *Store) commit(compact bool) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.ErrClosed
	}
	if s.readOnly {
		s.mu.Unlock()
		return errReadOnly
	}
	if !s.dirty && !compact {
		s.mu.Unlock()
		return nil
	}
	changes := len(s.added) + len(s.deleted)
	full := compact ||
		s.generation == 0 ||
		s.deltas >= maxDeltaGenerations ||
		s.deltaEntries+changes > len(s.docs)
	var g generation
	if full {
		g = s.baseLocked()
	} else {
		g = s.deltaLocked()
	}
	g.Number = s.generation + 1
	added, deleted := s.added, s.deleted
	s.added = make(map[uint64]struct{})
	s.deleted = make(map[uint64]struct{})
	s.dirty = false
	s.mu.Unlock()

	name, err := writeGeneration(s.dir, g)
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		for id := range added {
			if _, ok := s.docs[id]; ok {
				s.added[id] = struct{}{}
			}
		}
		for id := range deleted {
			s.deleted[id] = struct{}{}
		}
		s.mu.Unlock()
		return apperrors.StorageIO("commit mirror", s.dir, err)
	}

	s.mu.Lock()
	s.generation = g.Number
	if full {
		s.deltas, s.deltaEntries = 0, 0
	} else {
		s.deltas++
		s.deltaEntries += len(g.Docs) + len(g.Deleted)
	}
	s.mu.Unlock()
	s.logger.Debug("mirror committed",
		"generation", g.Number,
		"file", name,
		"base", full,
		"docs", len(g.Docs),
		"deleted", len(g.Deleted),
	)
	if full {
		s.removeOlder(g.Number)
	}
	return nil
}

// baseLocked captures the whole store.
func (s *Store) baseLocked() generation {
	docs := make([]storedDoc, 0, len(s.docs))
	for id, doc := range s.docs {
		docs = append(docs, storedDoc{ID: id, Doc: doc})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	terms := make([]TermEntry, 0, len(s.postings))
	for key, byDoc := range s.postings {
		postings := make([]Posting, 0, len(byDoc))
		for id, freq := range byDoc {
			postings = append(postings, Posting{DocID: id, Frequency: freq})
		}
		sortPostings(postings)
		terms = append(terms, TermEntry{Term: key, Postings: postings})
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].Term < terms[j].Term })

	return generation{
		NextID:   s.nextID,
		Base:     true,
		Docs:     docs,
		Channels: s.channelsCopyLocked(),
		Terms:    terms,
	}
}

// deltaLocked captures the documents added and removed since the last
// commit.
func (s *Store) deltaLocked() generation {
	docs := make([]storedDoc, 0, len(s.added))
	byTerm := make(map[string][]Posting)
	for id := range s.added {
		docs = append(docs, storedDoc{ID: id, Doc: s.docs[id]})
		for _, key := range s.docTerms[id] {
			byTerm[key] = append(byTerm[key], Posting{DocID: id, Frequency: s.postings[key][id]})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	terms := make([]TermEntry, 0, len(byTerm))
	for key, postings := range byTerm {
		sortPostings(postings)
		terms = append(terms, TermEntry{Term: key, Postings: postings})
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].Term < terms[j].Term })

	deleted := make([]uint64, 0, len(s.deleted))
	for id := range s.deleted {
		deleted = append(deleted, id)
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })

	return generation{
		NextID:   s.nextID,
		Docs:     docs,
		Deleted:  deleted,
		Channels: s.channelsCopyLocked(),
		Terms:    terms,
	}
}

func (s *Store) channelsCopyLocked() *Document {
	if s.channels == nil {
		return nil
	}
	c := *s.channels
	return &c
}

func sortPostings(p []Posting) {
	sort.Slice(p, func(i, j int) bool { return p[i].DocID < p[j].DocID })
}

func (s *Store) removeOlder(current uint64) {
	gens, err := listGenerations(s.dir)
	if err != nil {
		s.logger.Warn("listing old mirror generations", "error", err)
		return
	}
	for _, n := range gens {
		if n >= current {
			continue
		}
		path := filepath.Join(s.dir, generationName(n))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("removing old mirror generation", "path", path, "error", err)
		}
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), generationSuffix+".tmp") {
			os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
}

// Close commits pending changes and releases the store.
func (s *Store) Close() error {
	var err error
	if !s.readOnly {
		err = s.Commit()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return err
}
