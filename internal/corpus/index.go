// Package corpus keeps the crash-consistent index of context-analysis
// buckets: one bucket per (direction, domain), a secondary index by domain,
// and the highest ingested offset of every channel. The index is persisted
// as a line-oriented snapshot that is replaced atomically on every save.
package corpus

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	apperrors "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/logger"
)

type bucketKey struct {
	direction lang.Direction
	domain    int64
}

func keyOf(b *Bucket) bucketKey {
	return bucketKey{direction: b.direction, domain: b.domain}
}

// Index maps (direction, domain) to buckets and tracks channel offsets.
type Index struct {
	file     string
	swapFile string
	opts     Options
	folder   string
	logger   *slog.Logger

	mu       sync.RWMutex
	buckets  map[bucketKey]*Bucket
	byDomain map[int64]map[*Bucket]struct{}
	channels map[uint16]int64

	saveMu sync.Mutex
}

// New returns an empty index bound to the snapshot path and buckets folder.
func New(indexFile string, opts Options, bucketsFolder string) *Index {
	return newIndex(indexFile, opts, bucketsFolder, nil, nil)
}

func newIndex(indexFile string, opts Options, bucketsFolder string, buckets []*Bucket, channels map[uint16]int64) *Index {
	if channels == nil {
		channels = make(map[uint16]int64)
	}
	idx := &Index{
		file:     indexFile,
		swapFile: SwapPath(indexFile),
		opts:     opts,
		folder:   bucketsFolder,
		logger:   logger.WithComponent("corpora-index"),
		buckets:  make(map[bucketKey]*Bucket, len(buckets)),
		byDomain: make(map[int64]map[*Bucket]struct{}, len(buckets)),
		channels: channels,
	}
	for _, b := range buckets {
		idx.insert(b)
	}
	return idx
}

// SwapPath returns the temporary file used while saving: "~<basename>" in
// the snapshot's directory.
func SwapPath(indexFile string) string {
	return filepath.Join(filepath.Dir(indexFile), "~"+filepath.Base(indexFile))
}

// Load reads the snapshot at indexFile. Any structural problem yields a
// CorruptIndexError and no index; a missing file yields a StorageIOError
// wrapping os.ErrNotExist, callers use New in that case.
func Load(opts Options, indexFile string, bucketsFolder string) (*Index, error) {
	f, err := os.Open(indexFile)
	if err != nil {
		return nil, apperrors.StorageIO("open index", indexFile, err)
	}
	defer f.Close()

	buckets, channels, err := readSnapshot(opts, indexFile, bucketsFolder, bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	idx := newIndex(indexFile, opts, bucketsFolder, buckets, channels)

	if _, err := os.Stat(idx.swapFile); err == nil {
		idx.logger.Warn("discarding stale swap file", "path", idx.swapFile)
		if err := os.Remove(idx.swapFile); err != nil {
			idx.logger.Warn("removing stale swap file failed", "path", idx.swapFile, "error", err)
		}
	}
	idx.logger.Info("corpora index loaded",
		"path", indexFile,
		"buckets", len(buckets),
		"channels", len(channels),
	)
	return idx, nil
}

func readSnapshot(opts Options, indexFile, folder string, r *bufio.Reader) ([]*Bucket, map[uint16]int64, error) {
	var buckets []*Bucket
	fail := func(err error) ([]*Bucket, map[uint16]int64, error) {
		for _, b := range buckets {
			b.Close()
		}
		return nil, nil, err
	}

	channels, err := readChannels(r, indexFile)
	if err != nil {
		return fail(err)
	}

	m, err := readCount(r, indexFile, "bucket count")
	if err != nil {
		return fail(err)
	}
	seen := make(map[bucketKey]struct{}, m)
	buckets = make([]*Bucket, 0, m)
	for i := 0; i < m; i++ {
		b, err := DeserializeBucket(opts, folder, r)
		if err != nil {
			if apperrors.IsCorrupt(err) {
				return fail(apperrors.Corrupt(indexFile, fmt.Sprintf("bucket record %d of %d", i+1, m), err))
			}
			return fail(fmt.Errorf("loading bucket record %d of %d: %w", i+1, m, err))
		}
		if _, dup := seen[keyOf(b)]; dup {
			b.Close()
			return fail(apperrors.Corruptf(indexFile, "bucket %s listed twice", b))
		}
		seen[keyOf(b)] = struct{}{}
		buckets = append(buckets, b)
	}

	if err := expectEnd(r, indexFile); err != nil {
		return fail(err)
	}
	return buckets, channels, nil
}

func readChannels(r *bufio.Reader, indexFile string) (map[uint16]int64, error) {
	n, err := readCount(r, indexFile, "channel count")
	if err != nil {
		return nil, err
	}
	channels := make(map[uint16]int64, n)
	for i := 0; i < n; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, apperrors.Corrupt(indexFile, fmt.Sprintf("reading channel %d of %d", i+1, n), err)
		}
		chPart, offPart, ok := strings.Cut(line, ":")
		if !ok {
			return nil, apperrors.Corruptf(indexFile, "channel line %q: missing ':'", line)
		}
		ch, err := strconv.ParseUint(chPart, 10, 16)
		if err != nil {
			return nil, apperrors.Corrupt(indexFile, fmt.Sprintf("channel line %q", line), err)
		}
		offset, err := strconv.ParseInt(offPart, 10, 64)
		if err != nil {
			return nil, apperrors.Corrupt(indexFile, fmt.Sprintf("channel line %q", line), err)
		}
		if _, dup := channels[uint16(ch)]; dup {
			return nil, apperrors.Corruptf(indexFile, "channel %d listed twice", ch)
		}
		channels[uint16(ch)] = offset
	}
	return channels, nil
}

func expectEnd(r *bufio.Reader, indexFile string) error {
	for {
		line, err := readLine(r)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return apperrors.StorageIO("read snapshot", indexFile, err)
		}
		if strings.TrimSpace(line) != "" {
			return apperrors.Corruptf(indexFile, "unexpected trailing content %q", line)
		}
	}
}

// Snapshot is the content of a snapshot file read without touching the
// bucket files it names.
type Snapshot struct {
	Channels map[uint16]int64
	Buckets  []BucketRecord
}

// ReadSnapshot parses indexFile read-only. It is safe to call while another
// process owns the index.
func ReadSnapshot(indexFile string) (Snapshot, error) {
	f, err := os.Open(indexFile)
	if err != nil {
		return Snapshot{}, apperrors.StorageIO("open index", indexFile, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	channels, err := readChannels(r, indexFile)
	if err != nil {
		return Snapshot{}, err
	}
	m, err := readCount(r, indexFile, "bucket count")
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Channels: channels, Buckets: make([]BucketRecord, 0, m)}
	for i := 0; i < m; i++ {
		rec, err := readBucketRecord(filepath.Dir(indexFile), r)
		if err != nil {
			return Snapshot{}, apperrors.Corrupt(indexFile, fmt.Sprintf("bucket record %d of %d", i+1, m), err)
		}
		snap.Buckets = append(snap.Buckets, rec)
	}
	if err := expectEnd(r, indexFile); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func readCount(r *bufio.Reader, path, what string) (int, error) {
	line, err := readLine(r)
	if err != nil {
		return 0, apperrors.Corrupt(path, "reading "+what, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, apperrors.Corrupt(path, what, err)
	}
	if n < 0 {
		return 0, apperrors.Corruptf(path, "negative %s %d", what, n)
	}
	return n, nil
}

// Rebuild reconstructs an index from the bucket files found in the buckets
// folder, with no channel offsets. It is the recovery path for a lost
// snapshot.
func Rebuild(opts Options, indexFile string, bucketsFolder string) (*Index, error) {
	entries, err := os.ReadDir(bucketsFolder)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.StorageIO("read buckets folder", bucketsFolder, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), bucketSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	buckets := make([]*Bucket, 0, len(names))
	closeAll := func() {
		for _, b := range buckets {
			b.Close()
		}
	}
	for _, name := range names {
		direction, domain, ok := parseBucketFileName(name)
		if !ok {
			closeAll()
			return nil, apperrors.Corruptf(filepath.Join(bucketsFolder, name), "unrecognised bucket file name")
		}
		b, err := openBucket(opts, bucketsFolder, direction, domain, 0)
		if err != nil {
			closeAll()
			return nil, err
		}
		buckets = append(buckets, b)
	}
	idx := newIndex(indexFile, opts, bucketsFolder, buckets, nil)
	idx.logger.Warn("corpora index rebuilt from buckets folder",
		"folder", bucketsFolder,
		"buckets", len(buckets),
	)
	return idx, nil
}

// insert adds b to both maps. Callers hold mu or own idx exclusively.
func (idx *Index) insert(b *Bucket) {
	idx.buckets[keyOf(b)] = b
	set, ok := idx.byDomain[b.domain]
	if !ok {
		set = make(map[*Bucket]struct{})
		idx.byDomain[b.domain] = set
	}
	set[b] = struct{}{}
}

// GetOrCreateBucket returns the bucket for the identity, creating and
// indexing it when absent. Exactly one bucket is ever created per identity.
func (idx *Index) GetOrCreateBucket(direction lang.Direction, domain int64) (*Bucket, error) {
	key := bucketKey{direction: direction, domain: domain}

	idx.mu.RLock()
	b, ok := idx.buckets[key]
	idx.mu.RUnlock()
	if ok {
		return b, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if b, ok := idx.buckets[key]; ok {
		return b, nil
	}
	b, err := NewBucket(idx.opts, idx.folder, direction, domain)
	if err != nil {
		return nil, fmt.Errorf("creating bucket %s@%d: %w", direction, domain, err)
	}
	idx.insert(b)
	idx.logger.Debug("bucket created", "direction", direction.String(), "domain", domain)
	return b, nil
}

// GetBucket returns the indexed bucket of an identity.
func (idx *Index) GetBucket(direction lang.Direction, domain int64) (*Bucket, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.buckets[bucketKey{direction: direction, domain: domain}]
	return b, ok
}

// GetBucketsByDomain returns the buckets of a domain, or nil when the domain
// is unknown.
func (idx *Index) GetBucketsByDomain(domain int64) []*Bucket {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set, ok := idx.byDomain[domain]
	if !ok {
		return nil
	}
	out := make([]*Bucket, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sortBuckets(out)
	return out
}

// Remove drops b from both maps; the domain entry goes away with its last
// bucket. The bucket's storage is left to the caller.
func (idx *Index) Remove(b *Bucket) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := keyOf(b)
	if current, ok := idx.buckets[key]; ok && current == b {
		delete(idx.buckets, key)
	}
	set, ok := idx.byDomain[b.domain]
	if !ok {
		return
	}
	delete(set, b)
	if len(set) == 0 {
		delete(idx.byDomain, b.domain)
	}
}

// Buckets returns every indexed bucket ordered by domain and direction.
func (idx *Index) Buckets() []*Bucket {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Bucket, 0, len(idx.buckets))
	for _, b := range idx.buckets {
		out = append(out, b)
	}
	sortBuckets(out)
	return out
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.buckets)
}

// RegisterData advances the channel's offset to position and reports true
// when position is strictly greater than the stored one (or none is
// stored). Otherwise the data was already applied and nothing changes.
func (idx *Index) RegisterData(channel uint16, position int64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	existing, ok := idx.channels[channel]
	if ok && position <= existing {
		return false
	}
	idx.channels[channel] = position
	return true
}

// ChannelPosition returns the stored offset of a channel.
func (idx *Index) ChannelPosition(channel uint16) (int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pos, ok := idx.channels[channel]
	return pos, ok
}

// GetChannels returns a copy of the channel offsets.
func (idx *Index) GetChannels() map[uint16]int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[uint16]int64, len(idx.channels))
	for ch, pos := range idx.channels {
		out[ch] = pos
	}
	return out
}

// Path returns the snapshot file path.
func (idx *Index) Path() string { return idx.file }

// Save writes the snapshot to the swap file and atomically renames it over
// the snapshot. The file on disk is always the old or the new snapshot.
func (idx *Index) Save() error {
	idx.saveMu.Lock()
	defer idx.saveMu.Unlock()
	if err := idx.writeSwap(); err != nil {
		return err
	}
	return idx.commitSwap()
}

func (idx *Index) writeSwap() error {
	var buf bytes.Buffer
	idx.mu.RLock()
	err := idx.encode(&buf)
	idx.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	dir := filepath.Dir(idx.file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.StorageIO("create index directory", dir, err)
	}
	f, err := os.OpenFile(idx.swapFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.StorageIO("create swap file", idx.swapFile, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return apperrors.StorageIO("write swap file", idx.swapFile, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apperrors.StorageIO("sync swap file", idx.swapFile, err)
	}
	if err := f.Close(); err != nil {
		return apperrors.StorageIO("close swap file", idx.swapFile, err)
	}
	return nil
}

func (idx *Index) commitSwap() error {
	if err := os.Rename(idx.swapFile, idx.file); err != nil {
		return apperrors.StorageIO("replace index", idx.file, err)
	}
	if d, err := os.Open(filepath.Dir(idx.file)); err == nil {
		if err := d.Sync(); err != nil {
			idx.logger.Debug("syncing index directory failed", "error", err)
		}
		d.Close()
	}
	if _, err := os.Stat(idx.swapFile); err == nil {
		if err := os.Remove(idx.swapFile); err != nil {
			idx.logger.Warn("removing swap file failed", "path", idx.swapFile, "error", err)
		}
	}
	return nil
}

// encode writes channels then buckets, both in a stable order. Callers hold
// mu for reading.
func (idx *Index) encode(buf *bytes.Buffer) error {
	channels := make([]uint16, 0, len(idx.channels))
	for ch := range idx.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	fmt.Fprintf(buf, "%d\n", len(channels))
	for _, ch := range channels {
		fmt.Fprintf(buf, "%d:%d\n", ch, idx.channels[ch])
	}

	buckets := make([]*Bucket, 0, len(idx.buckets))
	for _, b := range idx.buckets {
		buckets = append(buckets, b)
	}
	sortBuckets(buckets)

	fmt.Fprintf(buf, "%d\n", len(buckets))
	for _, b := range buckets {
		if err := SerializeBucket(b, buf); err != nil {
			return fmt.Errorf("serializing bucket %s: %w", b, err)
		}
	}
	return nil
}

// Close closes every bucket, continuing past failures, and returns them all.
func (idx *Index) Close() error {
	buckets := idx.Buckets()
	var result *multierror.Error
	for _, b := range buckets {
		if err := b.Close(); err != nil {
			idx.logger.Error("closing bucket failed", "bucket", b.String(), "error", err)
			result = multierror.Append(result, fmt.Errorf("closing bucket %s: %w", b, err))
		}
	}
	return result.ErrorOrNil()
}

func sortBuckets(buckets []*Bucket) {
	sort.Slice(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if a.domain != b.domain {
			return a.domain < b.domain
		}
		if a.direction.Source != b.direction.Source {
			return a.direction.Source < b.direction.Source
		}
		return a.direction.Target < b.direction.Target
	})
}
