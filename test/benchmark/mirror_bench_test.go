package benchmark

import (
	"fmt"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror/tokenizer"
)

var sampleTexts = map[string]string{
	"short": "The quick brown fox jumps over the lazy dog",
	"medium": `Translation memories store previously translated segments so that
        new documents can reuse them. Each segment pairs a source sentence with
        its translation and is filed under the customer domain and the language
        direction it belongs to.`,
	"long": strings.Repeat(`Context analysis looks up earlier translations of similar
        sentences in the same domain. Buckets grow append-only while the index
        snapshot records how far every replication channel has been applied. `, 20),
}

func BenchmarkTokenize(b *testing.B) {
	for name, text := range sampleTexts {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				tokens := tokenizer.Tokenize(text)
				_ = tokens
			}
		})
	}
}

func BenchmarkTokenizeParallel(b *testing.B) {
	text := sampleTexts["medium"]
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			terms := tokenizer.Terms(text)
			_ = terms
		}
	})
}

func openStore(b *testing.B, docs int) *mirror.Store {
	b.Helper()
	store, err := mirror.Open(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { store.Close() })
	for i := 0; i < docs; i++ {
		doc := mirror.BuildDocument(enIt, int64(i%50+1),
			fmt.Sprintf("translation memory segment number %d", i),
			fmt.Sprintf("segmento di memoria di traduzione numero %d", i))
		if _, err := store.Add(doc); err != nil {
			b.Fatal(err)
		}
	}
	return store
}

// BenchmarkMirrorAdd measures per-document insert throughput into the mirror.
func BenchmarkMirrorAdd(b *testing.B) {
	store := openStore(b, 0)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		doc := mirror.BuildDocument(enIt, int64(i%50+1), "benchmark source sentence", "frase sorgente di prova")
		if _, err := store.Add(doc); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMirrorMatch measures direction-filtered text lookups over
// 10 000 documents.
func BenchmarkMirrorMatch(b *testing.B) {
	store := openStore(b, 10000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hits := store.Match(enIt, "memory segment", 10)
		_ = hits
	}
}

func BenchmarkMirrorMatchParallel(b *testing.B) {
	store := openStore(b, 10000)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			hits := store.Match(enIt, "translation", 10)
			_ = hits
		}
	})
}

// BenchmarkMirrorCommit measures committing one new document on top of a
// large mirror.
func BenchmarkMirrorCommit(b *testing.B) {
	store := openStore(b, 5000)
	if err := store.Commit(); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		doc := mirror.BuildDocument(enIt, 1, "dirty", "sporco")
		if _, err := store.Add(doc); err != nil {
			b.Fatal(err)
		}
		b.StartTimer()
		if err := store.Commit(); err != nil {
			b.Fatal(err)
		}
	}
}
