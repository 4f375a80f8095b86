// Package progress publishes the channel positions reached by ingestion so
// that other services can wait for their writes to become visible.
package progress

import (
	"context"
	"strconv"
)

// Sink receives the channel positions after every committed batch.
type Sink interface {
	Name() string
	Publish(ctx context.Context, positions map[uint16]int64) error
}

func channelField(ch uint16) string {
	return strconv.FormatUint(uint64(ch), 10)
}
