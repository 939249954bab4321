package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Statement is one queued write.
type Statement struct {
	Query string
	Args  []any
	tries int
}

// BatchWriter groups audit writes into transactions off the hot path. The
// buffer is bounded: past maxPending the oldest statements are dropped and
// counted. A batch that fails to commit is queued again once.
type BatchWriter struct {
	db         *sql.DB
	log        *zap.Logger
	batchSize  int
	maxPending int
	interval   time.Duration

	mu      sync.Mutex
	pending []Statement

	kick      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	written  atomic.Uint64
	batches  atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64
}

// WriterStats counts what the writer has done since start.
type WriterStats struct {
	Written  uint64 `json:"written"`
	Batches  uint64 `json:"batches"`
	Failures uint64 `json:"failures"`
	Dropped  uint64 `json:"dropped"`
	Pending  int    `json:"pending"`
}

// NewBatchWriter starts the background flusher. A batch is committed when
// batchSize statements are queued or every interval, whichever comes first.
func NewBatchWriter(db *sql.DB, batchSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	bw := &BatchWriter{
		db:         db,
		log:        log.With(zap.String("component", "batch_writer")),
		batchSize:  batchSize,
		maxPending: batchSize * 100,
		interval:   interval,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// Enqueue queues a statement and never blocks on the database.
func (bw *BatchWriter) Enqueue(query string, args ...any) {
	bw.push(Statement{Query: query, Args: args})
}

func (bw *BatchWriter) push(stmts ...Statement) {
	bw.mu.Lock()
	bw.pending = append(bw.pending, stmts...)
	if over := len(bw.pending) - bw.maxPending; over > 0 {
		bw.pending = append(bw.pending[:0:0], bw.pending[over:]...)
		bw.dropped.Add(uint64(over))
	}
	full := len(bw.pending) >= bw.batchSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
}

// Flush commits everything queued so far.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	for {
		bw.mu.Lock()
		n := min(len(bw.pending), bw.batchSize)
		if n == 0 {
			bw.mu.Unlock()
			return nil
		}
		batch := append([]Statement(nil), bw.pending[:n]...)
		bw.pending = bw.pending[n:]
		bw.mu.Unlock()

		if err := bw.commit(ctx, batch); err != nil {
			bw.failures.Add(1)
			var retry []Statement
			for _, st := range batch {
				if st.tries == 0 {
					st.tries++
					retry = append(retry, st)
				} else {
					bw.dropped.Add(1)
				}
			}
			if len(retry) > 0 {
				bw.push(retry...)
			}
			return err
		}
		bw.written.Add(uint64(n))
		bw.batches.Add(1)
	}
}

func (bw *BatchWriter) commit(ctx context.Context, batch []Statement) error {
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, st := range batch {
		if _, err := tx.ExecContext(ctx, st.Query, st.Args...); err != nil {
			_ = tx.Rollback()
			bw.log.Warn("journal statement failed", zap.Error(err), zap.Int("batch", len(batch)))
			return err
		}
	}
	return tx.Commit()
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	t := time.NewTicker(bw.interval)
	defer t.Stop()

	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bw.Flush(ctx); err != nil {
			bw.log.Warn("journal flush", zap.Error(err))
		}
	}
	for {
		select {
		case <-t.C:
			flush()
		case <-bw.kick:
			flush()
		case <-bw.done:
			flush()
			return
		}
	}
}

// Pending returns how many statements wait for the next commit.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.pending)
}

// Stats returns counters for the status view.
func (bw *BatchWriter) Stats() WriterStats {
	return WriterStats{
		Written:  bw.written.Load(),
		Batches:  bw.batches.Load(),
		Failures: bw.failures.Load(),
		Dropped:  bw.dropped.Load(),
		Pending:  bw.Pending(),
	}
}

// Close stops the flusher after one last commit.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
