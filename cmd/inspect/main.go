// Command inspect prints the channel positions and buckets recorded in a
// corpora index snapshot next to the positions stored in the search mirror,
// and reports where they disagree. It never writes to either.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/config"
	pkgredis "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/redis"
)

type report struct {
	Snapshot       string                `json:"snapshot"`
	IndexChannels  map[uint16]int64      `json:"indexChannels"`
	MirrorChannels map[uint16]int64      `json:"mirrorChannels"`
	RedisChannels  map[uint16]int64      `json:"redisChannels,omitempty"`
	Buckets        []corpus.BucketRecord `json:"buckets"`
	MirrorDocs     int                   `json:"mirrorDocs"`
	Divergence     []ingest.ChannelDiff  `json:"divergence"`
}

func main() {
	configPath := flag.String("config", "configs/analyzer.yaml", "path to config file")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	withRedis := flag.Bool("redis", false, "also read the positions published to redis")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	r, err := build(cfg, *withRedis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(r)
	} else {
		err = printText(os.Stdout, r)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		os.Exit(1)
	}
	if len(r.Divergence) > 0 {
		os.Exit(2)
	}
}

func build(cfg *config.Config, withRedis bool) (*report, error) {
	snap, err := corpus.ReadSnapshot(cfg.Analyzer.IndexPath())
	if err != nil {
		return nil, err
	}
	store, err := mirror.OpenReadOnly(cfg.Analyzer.MirrorPath())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	r := &report{
		Snapshot:       cfg.Analyzer.IndexPath(),
		IndexChannels:  snap.Channels,
		MirrorChannels: map[uint16]int64{},
		Buckets:        snap.Buckets,
		MirrorDocs:     store.DocCount(),
	}
	if doc, ok := store.Channels(); ok {
		r.MirrorChannels, err = mirror.ParseChannelsDocument(doc)
		if err != nil {
			return nil, err
		}
	}
	r.Divergence = ingest.Divergence(r.IndexChannels, r.MirrorChannels)

	if withRedis {
		client, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.RedisChannels, err = progress.ReadChannels(ctx, client, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func printText(out io.Writer, r *report) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "snapshot\t%s\n", r.Snapshot)
	fmt.Fprintf(w, "buckets\t%d\n", len(r.Buckets))
	fmt.Fprintf(w, "mirror documents\t%d\n\n", r.MirrorDocs)

	fmt.Fprintln(w, "CHANNEL\tINDEX\tMIRROR\tREDIS")
	for _, ch := range channelUnion(r.IndexChannels, r.MirrorChannels, r.RedisChannels) {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ch,
			position(r.IndexChannels, ch),
			position(r.MirrorChannels, ch),
			position(r.RedisChannels, ch))
	}

	fmt.Fprintln(w, "\nDOMAIN\tDIRECTION\tFILE\tBYTES\tPAIRS")
	for _, b := range r.Buckets {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", b.Domain, b.Direction, b.FileName, b.Size, b.Count)
	}
	if len(r.Divergence) > 0 {
		fmt.Fprintf(w, "\nindex and mirror disagree on %d channel(s)\n", len(r.Divergence))
	}
	return w.Flush()
}

func channelUnion(maps ...map[uint16]int64) []uint16 {
	seen := make(map[uint16]struct{})
	for _, m := range maps {
		for ch := range m {
			seen[ch] = struct{}{}
		}
	}
	out := make([]uint16, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func position(m map[uint16]int64, ch uint16) string {
	pos, ok := m[ch]
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%d", pos)
}
