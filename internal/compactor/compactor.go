// Package compactor compresses rotated live files into the archive's
// durable .jsonl.zst form and removes the uncompressed source once the
// compressed copy is verified on disk.
package compactor

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"nostr-archiver/internal/logging"
	"nostr-archiver/internal/metrics"
)

const copyBufferSize = 32 * 1024

// Compactor compresses closed live files in detached goroutines tracked by
// a WaitGroup, so shutdown can wait for in-flight work within a bounded
// grace period.
type Compactor struct {
	log     *logging.Logger
	metrics *metrics.Registry
	wg      sync.WaitGroup
}

// New constructs a Compactor. A nil logger falls back to the global logger.
func New(log *logging.Logger, reg *metrics.Registry) *Compactor {
	if log == nil {
		log = logging.L()
	}
	return &Compactor{log: log.Named("compactor"), metrics: reg}
}

// Enqueue compresses path in a detached goroutine. Failures are logged, not
// returned, since the caller (a writer rotation callback) has no channel to
// report them through.
func (c *Compactor) Enqueue(path string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Compact(path); err != nil {
			c.log.Error("compaction failed", logging.String("path", path), logging.Error(err))
			if c.metrics != nil {
				c.metrics.CompactionsFailed.Inc()
			}
		}
	}()
}

// Wait blocks until every enqueued compaction has finished.
func (c *Compactor) Wait() {
	c.wg.Wait()
}

// Compact streams path through zstd into path+".zst", verifies the output
// exists with nonzero size, then removes the uncompressed source.
func (c *Compactor) Compact(path string) error {
	dstPath := path + ".zst"

	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("compactor: open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("compactor: stat source: %w", err)
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("compactor: create destination: %w", err)
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return fmt.Errorf("compactor: new encoder: %w", err)
	}

	buf := make([]byte, copyBufferSize)
	written, err := io.CopyBuffer(enc, in, buf)
	if err != nil {
		enc.Close()
		out.Close()
		return fmt.Errorf("compactor: compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return fmt.Errorf("compactor: finalize encoder: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("compactor: close destination: %w", err)
	}

	dstInfo, err := os.Stat(dstPath)
	if err != nil {
		return fmt.Errorf("compactor: verify destination: %w", err)
	}
	if dstInfo.Size() == 0 && info.Size() > 0 {
		return fmt.Errorf("compactor: destination %s is empty after compressing %d bytes", dstPath, written)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("compactor: remove source: %w", err)
	}

	ratio := float64(0)
	if info.Size() > 0 {
		ratio = float64(dstInfo.Size()) / float64(info.Size())
	}
	c.log.Info("compaction completed",
		logging.String("source", path),
		logging.Int64("source_bytes", info.Size()),
		logging.Int64("compressed_bytes", dstInfo.Size()),
		logging.Field{Key: "ratio", Value: ratio},
	)
	if c.metrics != nil {
		c.metrics.CompactionsOK.Inc()
	}
	return nil
}
