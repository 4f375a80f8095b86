package mirror

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// A generation file holds either a full copy of the mirror (a base) or the
// documents added and removed since the previous generation (a delta):
//
//	| header (64) | stored documents (msgpack) | term dictionary (JSON) | footer (16) |
//
// Header: magic, version, doc count, term count, created-at, docs offset and
// size, dict offset and size, next document id. Footer: crc32 of the docs
// section, crc32 of the dictionary, generation number. The docs section also
// carries the base flag, the ids removed by a delta and the channels
// document.
const (
	MagicBytes       uint32 = 0x43414D58
	FormatVersion    uint32 = 2
	HeaderSize       int    = 64
	FooterSize       int    = 16
	generationPrefix        = "mirror_"
	generationSuffix        = ".spdx"
)

// GenerationHeader is the fixed-size header of a generation file.
type GenerationHeader struct {
	Magic      uint32
	Version    uint32
	DocCount   uint32
	TermCount  uint32
	CreatedAt  int64
	DocsOffset int64
	DocsSize   int64
	DictOffset int64
	DictSize   int64
	NextID     uint64
}

// Posting records how often a term occurs in one document.
type Posting struct {
	DocID     uint64 `json:"d"`
	Frequency int    `json:"f"`
}

// TermEntry is one dictionary entry: an indexed key and its postings sorted
// by document id.
type TermEntry struct {
	Term     string    `json:"t"`
	Postings []Posting `json:"p"`
}

type storedDoc struct {
	ID  uint64   `msgpack:"i"`
	Doc Document `msgpack:"d"`
}

type docsSection struct {
	Base     bool        `msgpack:"base"`
	Docs     []storedDoc `msgpack:"docs"`
	Deleted  []uint64    `msgpack:"deleted,omitempty"`
	Channels *Document   `msgpack:"channels,omitempty"`
}

// generation is the in-memory image of one generation file.
type generation struct {
	Number   uint64
	NextID   uint64
	Base     bool
	Docs     []storedDoc
	Deleted  []uint64
	Channels *Document
	Terms    []TermEntry
}

func generationName(n uint64) string {
	return fmt.Sprintf("%s%020d%s", generationPrefix, n, generationSuffix)
}

func parseGenerationName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, generationPrefix) || !strings.HasSuffix(name, generationSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, generationPrefix), generationSuffix)
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// listGenerations returns the generation numbers found in dir, newest first.
func listGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading mirror directory: %w", err)
	}
	var gens []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := parseGenerationName(e.Name()); ok {
			gens = append(gens, n)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
	return gens, nil
}

// writeGeneration atomically creates the generation file for g. It writes a
// .tmp file first, syncs it and renames it on success.
func writeGeneration(dir string, g generation) (string, error) {
	docsData, err := msgpack.Marshal(&docsSection{
		Base:     g.Base,
		Docs:     g.Docs,
		Deleted:  g.Deleted,
		Channels: g.Channels,
	})
	if err != nil {
		return "", fmt.Errorf("encoding stored documents: %w", err)
	}
	dictData, err := json.Marshal(g.Terms)
	if err != nil {
		return "", fmt.Errorf("marshaling dictionary: %w", err)
	}

	header := GenerationHeader{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		DocCount:   uint32(len(g.Docs)),
		TermCount:  uint32(len(g.Terms)),
		CreatedAt:  time.Now().Unix(),
		DocsOffset: int64(HeaderSize),
		DocsSize:   int64(len(docsData)),
		DictOffset: int64(HeaderSize + len(docsData)),
		DictSize:   int64(len(dictData)),
		NextID:     g.NextID,
	}
	headerBytes := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(headerBytes[0:4], header.Magic)
	binary.LittleEndian.PutUint32(headerBytes[4:8], header.Version)
	binary.LittleEndian.PutUint32(headerBytes[8:12], header.DocCount)
	binary.LittleEndian.PutUint32(headerBytes[12:16], header.TermCount)
	binary.LittleEndian.PutUint64(headerBytes[16:24], uint64(header.CreatedAt))
	binary.LittleEndian.PutUint64(headerBytes[24:32], uint64(header.DocsOffset))
	binary.LittleEndian.PutUint64(headerBytes[32:40], uint64(header.DocsSize))
	binary.LittleEndian.PutUint64(headerBytes[40:48], uint64(header.DictOffset))
	binary.LittleEndian.PutUint64(headerBytes[48:56], uint64(header.DictSize))
	binary.LittleEndian.PutUint64(headerBytes[56:64], header.NextID)

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(docsData))
	binary.LittleEndian.PutUint32(footer[4:8], crc32.ChecksumIEEE(dictData))
	binary.LittleEndian.PutUint64(footer[8:16], g.Number)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating mirror directory: %w", err)
	}
	name := generationName(g.Number)
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp generation file: %w", err)
	}
	defer f.Close()
	for _, part := range [][]byte{headerBytes, docsData, dictData, footer} {
		if _, err := f.Write(part); err != nil {
			os.Remove(tmpPath)
			return "", fmt.Errorf("writing generation file: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing generation file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming generation file: %w", err)
	}
	return name, nil
}

// readGeneration loads and verifies one generation file.
func readGeneration(path string) (generation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return generation{}, fmt.Errorf("reading generation file: %w", err)
	}
	if len(data) < HeaderSize+FooterSize {
		return generation{}, fmt.Errorf("generation file too short: %d bytes", len(data))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != MagicBytes {
		return generation{}, fmt.Errorf("invalid generation file: bad magic bytes %x", magic)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != FormatVersion {
		return generation{}, fmt.Errorf("unsupported generation format version %d", v)
	}
	header := GenerationHeader{
		Magic:      magic,
		DocCount:   binary.LittleEndian.Uint32(data[8:12]),
		TermCount:  binary.LittleEndian.Uint32(data[12:16]),
		DocsOffset: int64(binary.LittleEndian.Uint64(data[24:32])),
		DocsSize:   int64(binary.LittleEndian.Uint64(data[32:40])),
		DictOffset: int64(binary.LittleEndian.Uint64(data[40:48])),
		DictSize:   int64(binary.LittleEndian.Uint64(data[48:56])),
		NextID:     binary.LittleEndian.Uint64(data[56:64]),
	}
	body := int64(len(data) - FooterSize)
	if header.DocsOffset != int64(HeaderSize) ||
		header.DictOffset != header.DocsOffset+header.DocsSize ||
		header.DictOffset+header.DictSize != body {
		return generation{}, fmt.Errorf("generation file sections do not match its length")
	}
	docsData := data[header.DocsOffset:header.DictOffset]
	dictData := data[header.DictOffset:body]
	footer := data[body:]
	if crc32.ChecksumIEEE(docsData) != binary.LittleEndian.Uint32(footer[0:4]) {
		return generation{}, fmt.Errorf("stored documents checksum mismatch")
	}
	if crc32.ChecksumIEEE(dictData) != binary.LittleEndian.Uint32(footer[4:8]) {
		return generation{}, fmt.Errorf("dictionary checksum mismatch")
	}

	var docs docsSection
	if err := msgpack.Unmarshal(docsData, &docs); err != nil {
		return generation{}, fmt.Errorf("decoding stored documents: %w", err)
	}
	var terms []TermEntry
	if err := json.Unmarshal(dictData, &terms); err != nil {
		return generation{}, fmt.Errorf("parsing dictionary: %w", err)
	}
	if uint32(len(docs.Docs)) != header.DocCount || uint32(len(terms)) != header.TermCount {
		return generation{}, fmt.Errorf("generation header counts do not match contents")
	}
	return generation{
		Number:   binary.LittleEndian.Uint64(footer[8:16]),
		NextID:   header.NextID,
		Base:     docs.Base,
		Docs:     docs.Docs,
		Deleted:  docs.Deleted,
		Channels: docs.Channels,
		Terms:    terms,
	}, nil
}
