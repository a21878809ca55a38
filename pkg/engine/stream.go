package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/KevoDB/qstorage/pkg/block"
	"github.com/KevoDB/qstorage/pkg/stats"
	"github.com/KevoDB/qstorage/pkg/telemetry"
	"github.com/hashicorp/go-multierror"
)

// Push appends everything read from r to the value stored under key, one
// block at a time, so the value never has to fit in memory. A missing key is
// created. On a read or write failure the value is cut back to what it was
// before the call.
func (e *Engine) Push(key string, r io.Reader) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	if err := e.acquire(); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	ctx, span := e.metrics.StartSpan(context.Background(), telemetry.OpTypePush)
	defer span.End()

	start := time.Now()
	n, err := e.push(key, r)
	e.track(stats.OpPush, start, err)
	if err != nil {
		span.RecordError(err)
		return n, err
	}

	e.stats.TrackBytes(true, uint64(n))
	e.metrics.RecordBytes(ctx, telemetry.OpTypePush, n)
	e.trackStore()
	return n, nil
}

func (e *Engine) push(key string, r io.Reader) (int64, error) {
	prev, existed := e.alloc.Lookup(key)
	if !existed {
		// Insert first so the key exists even for an empty stream.
		if _, err := e.alloc.Insert(key, nil); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, e.alloc.BlockSize())
	var total int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := e.alloc.Append(key, buf[:n]); err != nil {
				return total, e.undoPush(key, prev, existed, err)
			}
			total += int64(n)
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return total, nil
		default:
			return total, e.undoPush(key, prev, existed, fmt.Errorf("failed to read value: %w", rerr))
		}
	}
}

// undoPush drops what a failed push added. A key that did not exist before
// is removed; an existing one is truncated back to its previous length.
func (e *Engine) undoPush(key string, prev block.Entry, existed bool, cause error) error {
	if !existed {
		e.alloc.Remove(key)
		return cause
	}
	if err := e.alloc.Truncate(key, prev.Count); err != nil {
		return multierror.Append(cause, fmt.Errorf("failed to roll back %q: %w", key, err))
	}
	return cause
}

// Pull writes the value stored under key to w block by block and returns
// the number of bytes written.
func (e *Engine) Pull(key string, w io.Writer) (int64, error) {
	if err := e.acquire(); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	ctx, span := e.metrics.StartSpan(context.Background(), telemetry.OpTypePull)
	defer span.End()

	start := time.Now()
	n, err := e.pull(key, w)
	e.track(stats.OpPull, start, err)
	if err != nil {
		span.RecordError(err)
		return n, err
	}

	e.stats.TrackBytes(false, uint64(n))
	e.metrics.RecordBytes(ctx, telemetry.OpTypePull, n)
	return n, nil
}

func (e *Engine) pull(key string, w io.Writer) (int64, error) {
	entry, ok := e.alloc.Lookup(key)
	if !ok {
		return 0, ErrKeyNotFound
	}

	var total int64
	for i := range entry.Blocks {
		data, err := e.alloc.ReadBlock(key, i)
		if err != nil {
			return total, err
		}
		n, err := w.Write(data)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("failed to write value: %w", err)
		}
	}
	return total, nil
}
