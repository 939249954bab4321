// Package recorder persists live ticks to a pebble store so they can be
// replayed by the backtester.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"roostoo-bot/internal/market"
)

// keys: t:<8-byte unix millis><symbol>\x00<8-byte seq>
var tickPrefix = []byte("t:")

func tickKey(t market.Tick) []byte {
	k := make([]byte, 0, len(tickPrefix)+8+len(t.Symbol)+1+8)
	k = append(k, tickPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(t.Time.UnixMilli()))
	k = append(k, t.Symbol...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, t.Seq)
}

func timeBound(ts time.Time) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), tickPrefix...), uint64(ts.UnixMilli()))
}

func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Recorder writes ticks in time order.
type Recorder struct {
	db      *pebble.DB
	log     *zap.Logger
	written atomic.Uint64
	failed  atomic.Uint64
}

// Open opens or creates a recording in dir.
func Open(dir string, log *zap.Logger) (*Recorder, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open recording %s: %w", dir, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{db: db, log: log.With(zap.String("component", "recorder"))}, nil
}

// Close flushes and closes the store.
func (r *Recorder) Close() error {
	if err := r.db.Flush(); err != nil {
		r.log.Warn("flush recording", zap.Error(err))
	}
	return r.db.Close()
}

// Record appends one tick. Writes are not synced individually; Close flushes.
func (r *Recorder) Record(t market.Tick) error {
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tick: %w", err)
	}
	if err := r.db.Set(tickKey(t), val, pebble.NoSync); err != nil {
		return fmt.Errorf("save tick: %w", err)
	}
	r.written.Add(1)
	return nil
}

// Sink adapts Record to the feed's sink callback. Failures are counted and
// logged, never propagated.
func (r *Recorder) Sink() func(market.Tick) {
	return func(t market.Tick) {
		if err := r.Record(t); err != nil {
			if r.failed.Add(1) == 1 {
				r.log.Error("tick recording failing", zap.Error(err))
			}
		}
	}
}

// Stats returns how many ticks were written and how many writes failed.
func (r *Recorder) Stats() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}

// ErrStop ends a Replay early without error.
var ErrStop = errors.New("stop replay")

// Replay calls fn for every tick in [from, to) ordered by time, then
// symbol, then seq. Zero bounds are open.
func (r *Recorder) Replay(from, to time.Time, fn func(market.Tick) error) error {
	opts := &pebble.IterOptions{LowerBound: tickPrefix, UpperBound: keyUpperBound(tickPrefix)}
	if !from.IsZero() {
		opts.LowerBound = timeBound(from)
	}
	if !to.IsZero() {
		opts.UpperBound = timeBound(to)
	}
	iter, err := r.db.NewIter(opts)
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var t market.Tick
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return fmt.Errorf("decode tick at %x: %w", iter.Key(), err)
		}
		if err := fn(t); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

// ReadAll loads every recorded tick.
func (r *Recorder) ReadAll() ([]market.Tick, error) {
	var out []market.Tick
	err := r.Replay(time.Time{}, time.Time{}, func(t market.Tick) error {
		out = append(out, t)
		return nil
	})
	return out, err
}
