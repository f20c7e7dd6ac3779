// Copyright 2025 James Ross
package staging

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WriteFn persists one accumulated batch under a single transaction.
type WriteFn func(ctx context.Context, store *Store, batch []any) error

// BatchWriter coalesces writes across the process: accumulate up to
// batchSize or flushInterval, whichever comes first, then flush under one
// transaction with retry up to maxRetries.
type BatchWriter struct {
	store         *Store
	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	write         WriteFn
	log           *zap.Logger

	mu      sync.Mutex
	pending []any

	flushSignal chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
}

func NewBatchWriter(store *Store, batchSize int, flushInterval time.Duration, maxRetries int, write WriteFn, log *zap.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	bw := &BatchWriter{
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxRetries:    maxRetries,
		write:         write,
		log:           log,
		flushSignal:   make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// Add appends an item, triggering an immediate flush signal once batchSize
// is reached.
func (bw *BatchWriter) Add(item any) {
	bw.mu.Lock()
	bw.pending = append(bw.pending, item)
	full := len(bw.pending) >= bw.batchSize
	bw.mu.Unlock()
	if full {
		select {
		case bw.flushSignal <- struct{}{}:
		default:
		}
	}
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-bw.stop:
			bw.flush()
			return
		case <-ticker.C:
			bw.flush()
		case <-bw.flushSignal:
			bw.flush()
		}
	}
}

func (bw *BatchWriter) flush() {
	bw.mu.Lock()
	if len(bw.pending) == 0 {
		bw.mu.Unlock()
		return
	}
	batch := bw.pending
	bw.pending = nil
	bw.mu.Unlock()

	ctx := context.Background()
	var err error
	for attempt := 0; attempt <= bw.maxRetries; attempt++ {
		err = bw.write(ctx, bw.store, batch)
		if err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	bw.log.Error("batch writer exhausted retries, dropping batch", zap.Int("size", len(batch)), zap.Error(err))
}

// Stop flushes any pending items and stops the background loop.
func (bw *BatchWriter) Stop() {
	close(bw.stop)
	bw.wg.Wait()
}
