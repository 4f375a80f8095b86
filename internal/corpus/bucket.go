package corpus

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	apperrors "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/errors"
)

// Bucket file layout (<domain>.<source>.<target>.bkt):
// repeated frames of | uint32 payloadLen | uint32 crc32(payload) | payload |
// where payload is a msgpack-encoded Pair. A torn or corrupt tail is cut off
// when the file is opened.
const (
	bucketSuffix   = ".bkt"
	frameHeaderLen = 8
	maxFrameLen    = 64 << 20
	recordFields   = 6
)

// Options controls how bucket files are written.
type Options struct {
	SyncOnAppend bool
	FileMode     os.FileMode
}

func DefaultOptions() Options {
	return Options{FileMode: 0o644}
}

func (o Options) fileMode() os.FileMode {
	if o.FileMode == 0 {
		return 0o644
	}
	return o.FileMode
}

// Pair is one bilingual sentence pair accumulated in a bucket.
type Pair struct {
	Source string `msgpack:"s"`
	Target string `msgpack:"t"`
}

// Bucket accumulates the sentence pairs of one (direction, domain) identity
// in an append-only file inside the shared buckets folder.
type Bucket struct {
	direction lang.Direction
	domain    int64
	folder    string
	fileName  string
	opts      Options

	mu     sync.Mutex
	file   *os.File
	size   int64
	count  int64
	closed bool
}

// BucketFileName returns the storage file name for an identity.
func BucketFileName(direction lang.Direction, domain int64) string {
	return fmt.Sprintf("%d.%s.%s%s", domain, direction.Source, direction.Target, bucketSuffix)
}

// parseBucketFileName is the inverse of BucketFileName.
func parseBucketFileName(name string) (lang.Direction, int64, bool) {
	base, ok := strings.CutSuffix(name, bucketSuffix)
	if !ok {
		return lang.Direction{}, 0, false
	}
	parts := strings.Split(base, ".")
	if len(parts) != 3 {
		return lang.Direction{}, 0, false
	}
	domain, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return lang.Direction{}, 0, false
	}
	direction, err := lang.NewDirection(parts[1], parts[2])
	if err != nil {
		return lang.Direction{}, 0, false
	}
	return direction, domain, true
}

// NewBucket allocates an empty bucket for the identity. Any file left at the
// bucket's location by an earlier, unsaved incarnation is truncated.
func NewBucket(opts Options, folder string, direction lang.Direction, domain int64) (*Bucket, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, apperrors.StorageIO("create buckets folder", folder, err)
	}
	name := BucketFileName(direction, domain)
	path := filepath.Join(folder, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, opts.fileMode())
	if err != nil {
		return nil, apperrors.StorageIO("create bucket", path, err)
	}
	return &Bucket{
		direction: direction,
		domain:    domain,
		folder:    folder,
		fileName:  name,
		opts:      opts,
		file:      f,
	}, nil
}

// openBucket reopens an existing bucket file, scanning it to recover the
// valid length and pair count. It fails when fewer than minSize valid bytes
// survive.
func openBucket(opts Options, folder string, direction lang.Direction, domain int64, minSize int64) (*Bucket, error) {
	name := BucketFileName(direction, domain)
	path := filepath.Join(folder, name)
	f, err := os.OpenFile(path, os.O_RDWR, opts.fileMode())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Corrupt(path, "bucket storage missing", err)
		}
		return nil, apperrors.StorageIO("open bucket", path, err)
	}
	valid, count, err := scanFrames(bufio.NewReader(f), nil)
	if err != nil {
		f.Close()
		return nil, apperrors.StorageIO("scan bucket", path, err)
	}
	if valid < minSize {
		f.Close()
		return nil, apperrors.Corruptf(path, "bucket holds %d valid bytes, snapshot recorded %d", valid, minSize)
	}
	if err := f.Truncate(valid); err != nil {
		f.Close()
		return nil, apperrors.StorageIO("truncate bucket tail", path, err)
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		f.Close()
		return nil, apperrors.StorageIO("seek bucket", path, err)
	}
	return &Bucket{
		direction: direction,
		domain:    domain,
		folder:    folder,
		fileName:  name,
		opts:      opts,
		file:      f,
		size:      valid,
		count:     count,
	}, nil
}

func (b *Bucket) Direction() lang.Direction { return b.direction }

func (b *Bucket) Domain() int64 { return b.domain }

func (b *Bucket) FileName() string { return b.fileName }

func (b *Bucket) Path() string { return filepath.Join(b.folder, b.fileName) }

func (b *Bucket) String() string {
	return fmt.Sprintf("%s@%d", b.direction, b.domain)
}

// Size returns the number of bytes of valid frames in the bucket.
func (b *Bucket) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Count returns the number of pairs in the bucket.
func (b *Bucket) Count() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Append writes one pair as a single frame.
func (b *Bucket) Append(p Pair) error {
	payload, err := msgpack.Marshal(&p)
	if err != nil {
		return fmt.Errorf("encoding pair: %w", err)
	}
	frame := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderLen:], payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("appending to bucket %s: %w", b, apperrors.ErrClosed)
	}
	if _, err := b.file.Write(frame); err != nil {
		return apperrors.StorageIO("append bucket", b.Path(), err)
	}
	b.size += int64(len(frame))
	b.count++
	if b.opts.SyncOnAppend {
		if err := b.file.Sync(); err != nil {
			return apperrors.StorageIO("sync bucket", b.Path(), err)
		}
	}
	return nil
}

// Sync flushes appended frames to stable storage.
func (b *Bucket) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("syncing bucket %s: %w", b, apperrors.ErrClosed)
	}
	if err := b.file.Sync(); err != nil {
		return apperrors.StorageIO("sync bucket", b.Path(), err)
	}
	return nil
}

// Scan calls fn for every pair written so far, in append order.
func (b *Bucket) Scan(fn func(Pair) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("scanning bucket %s: %w", b, apperrors.ErrClosed)
	}
	section := io.NewSectionReader(b.file, 0, b.size)
	b.mu.Unlock()

	if _, _, err := scanFrames(bufio.NewReader(section), fn); err != nil {
		return fmt.Errorf("scanning bucket %s: %w", b, err)
	}
	return nil
}

// Close releases the file handle. It is safe to call more than once.
func (b *Bucket) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.file.Close(); err != nil {
		return apperrors.StorageIO("close bucket", b.Path(), err)
	}
	return nil
}

// Drop closes the bucket and deletes its storage file.
func (b *Bucket) Drop() error {
	if err := b.Close(); err != nil {
		return err
	}
	if err := os.Remove(b.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.StorageIO("delete bucket", b.Path(), err)
	}
	return nil
}

// scanFrames reads frames until EOF or the first torn/corrupt frame and
// returns the length and count of the valid prefix. fn, when non-nil, sees
// every valid pair; its error aborts the scan.
func scanFrames(r io.Reader, fn func(Pair) error) (int64, int64, error) {
	var valid, count int64
	header := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return valid, count, nil
			}
			return valid, count, err
		}
		n := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])
		if n == 0 || n > maxFrameLen {
			return valid, count, nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return valid, count, nil
			}
			return valid, count, err
		}
		if crc32.ChecksumIEEE(payload) != crc {
			return valid, count, nil
		}
		var p Pair
		if err := msgpack.Unmarshal(payload, &p); err != nil {
			return valid, count, nil
		}
		if fn != nil {
			if err := fn(p); err != nil {
				return valid, count, err
			}
		}
		valid += int64(frameHeaderLen) + int64(n)
		count++
	}
}

// SerializeBucket appends the bucket's snapshot record to w:
// "<source> <target> <domain> <file> <bytes> <pairs>\n".
func SerializeBucket(b *Bucket, w io.Writer) error {
	b.mu.Lock()
	size, count := b.size, b.count
	b.mu.Unlock()
	_, err := fmt.Fprintf(w, "%s %s %d %s %d %d\n",
		b.direction.Source, b.direction.Target, b.domain, b.fileName, size, count)
	return err
}

// BucketRecord is one parsed bucket line of a snapshot.
type BucketRecord struct {
	Direction lang.Direction
	Domain    int64
	FileName  string
	Size      int64
	Count     int64
}

// DeserializeBucket reads one record written by SerializeBucket and reopens
// the bucket it describes.
func DeserializeBucket(opts Options, folder string, r *bufio.Reader) (*Bucket, error) {
	rec, err := readBucketRecord(folder, r)
	if err != nil {
		return nil, err
	}
	return openBucket(opts, folder, rec.Direction, rec.Domain, rec.Size)
}

func readBucketRecord(folder string, r *bufio.Reader) (BucketRecord, error) {
	line, err := readLine(r)
	if err != nil {
		return BucketRecord{}, apperrors.Corrupt(folder, "reading bucket record", err)
	}
	fields := strings.Fields(line)
	if len(fields) != recordFields {
		return BucketRecord{}, apperrors.Corruptf(folder, "bucket record %q: expected %d fields, got %d", line, recordFields, len(fields))
	}
	direction, err := lang.NewDirection(fields[0], fields[1])
	if err != nil {
		return BucketRecord{}, apperrors.Corrupt(folder, fmt.Sprintf("bucket record %q", line), err)
	}
	domain, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return BucketRecord{}, apperrors.Corrupt(folder, fmt.Sprintf("bucket record %q: domain", line), err)
	}
	if fields[3] != BucketFileName(direction, domain) {
		return BucketRecord{}, apperrors.Corruptf(folder, "bucket record %q: file name does not match identity", line)
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil || size < 0 {
		return BucketRecord{}, apperrors.Corruptf(folder, "bucket record %q: invalid size", line)
	}
	count, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil || count < 0 {
		return BucketRecord{}, apperrors.Corruptf(folder, "bucket record %q: invalid pair count", line)
	}
	return BucketRecord{
		Direction: direction,
		Domain:    domain,
		FileName:  fields[3],
		Size:      size,
		Count:     count,
	}, nil
}

// readLine returns the next line without its terminator. A missing final
// newline is tolerated; reading past the end is not.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
