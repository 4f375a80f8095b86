package ingest

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror"
	apperrors "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/logger"
)

// ChannelSource exposes the channels document of the mirror.
type ChannelSource interface {
	Channels() (mirror.Document, bool)
}

// OpenIndex restores the corpora index. An existing snapshot is loaded as
// is. Without one, the index is rebuilt from the buckets folder and its
// channel positions are seeded from the mirror, then saved.
func OpenIndex(opts corpus.Options, indexFile, bucketsFolder string, src ChannelSource) (*corpus.Index, error) {
	log := logger.WithComponent("recovery")

	mirrorChannels, err := mirrorPositions(src)
	if err != nil {
		return nil, err
	}

	_, statErr := os.Stat(indexFile)
	switch {
	case statErr == nil:
		idx, err := corpus.Load(opts, indexFile, bucketsFolder)
		if err != nil {
			return nil, err
		}
		if mirrorChannels != nil {
			if diff := Divergence(idx.GetChannels(), mirrorChannels); len(diff) > 0 {
				log.Warn("corpora index and mirror disagree on channel positions",
					"channels", diff,
				)
			}
		}
		log.Info("corpora index loaded", "path", indexFile, "buckets", idx.Len())
		return idx, nil
	case !errors.Is(statErr, os.ErrNotExist):
		return nil, apperrors.StorageIO("stat snapshot", indexFile, statErr)
	}

	idx, err := corpus.Rebuild(opts, indexFile, bucketsFolder)
	if err != nil {
		return nil, err
	}
	for ch, pos := range mirrorChannels {
		idx.RegisterData(ch, pos)
	}
	if err := idx.Save(); err != nil {
		idx.Close()
		return nil, fmt.Errorf("saving rebuilt corpora index: %w", err)
	}
	log.Warn("corpora index recovered without snapshot",
		"buckets", idx.Len(),
		"channels", len(mirrorChannels),
	)
	return idx, nil
}

func mirrorPositions(src ChannelSource) (map[uint16]int64, error) {
	if src == nil {
		return nil, nil
	}
	doc, ok := src.Channels()
	if !ok {
		return nil, nil
	}
	channels, err := mirror.ParseChannelsDocument(doc)
	if err != nil {
		return nil, apperrors.Corrupt("mirror", "unreadable channels document", err)
	}
	return channels, nil
}

// ChannelDiff describes one channel whose position differs between the
// index snapshot and the mirror. A missing side is reported as -1.
type ChannelDiff struct {
	Channel uint16 `json:"channel"`
	Index   int64  `json:"index"`
	Mirror  int64  `json:"mirror"`
}

// Divergence lists the channels whose positions differ, ordered by channel.
func Divergence(index, mirrorChannels map[uint16]int64) []ChannelDiff {
	var out []ChannelDiff
	seen := make(map[uint16]struct{}, len(index)+len(mirrorChannels))
	for _, m := range []map[uint16]int64{index, mirrorChannels} {
		for ch := range m {
			seen[ch] = struct{}{}
		}
	}
	for ch := range seen {
		i, iok := index[ch]
		m, mok := mirrorChannels[ch]
		if iok && mok && i == m {
			continue
		}
		if !iok {
			i = -1
		}
		if !mok {
			m = -1
		}
		out = append(out, ChannelDiff{Channel: ch, Index: i, Mirror: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
