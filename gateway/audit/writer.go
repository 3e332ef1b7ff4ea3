// Copyright 2025 Tollgate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"sync"
	"time"

	"tollgate/platform/shared/logger"
)

const (
	defaultQueueSize  = 10000
	defaultBatchSize  = 100
	defaultFlushEvery = 5 * time.Second
)

// Writer decouples the request pipeline from audit persistence: Record
// enqueues without blocking the hot path, a background worker batches
// entries into the store, and Close drains whatever is still queued.
type Writer struct {
	store Store
	log   *logger.Logger

	queue      chan *Entry
	batchSize  int
	flushEvery time.Duration

	mu    sync.Mutex
	batch []*Entry

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// WriterOption tweaks queue and batch behavior, mostly for tests.
type WriterOption func(*Writer)

// WithBatchSize sets how many entries accumulate before a flush.
func WithBatchSize(n int) WriterOption {
	return func(w *Writer) { w.batchSize = n }
}

// WithFlushInterval sets the periodic flush cadence.
func WithFlushInterval(d time.Duration) WriterOption {
	return func(w *Writer) { w.flushEvery = d }
}

// NewWriter starts the background worker.
func NewWriter(store Store, log *logger.Logger, opts ...WriterOption) *Writer {
	if log == nil {
		log = logger.New("audit")
	}
	w := &Writer{
		store:      store,
		log:        log,
		queue:      make(chan *Entry, defaultQueueSize),
		batchSize:  defaultBatchSize,
		flushEvery: defaultFlushEvery,
		shutdown:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Record enqueues one entry. Called exactly once per request; if the
// queue is full the entry is written synchronously rather than dropped.
func (w *Writer) Record(entry *Entry) {
	select {
	case w.queue <- entry:
	default:
		w.log.Warn(entry.TokenID, entry.RequestID, "audit queue full, writing directly", nil)
		if err := w.store.InsertBatch(context.Background(), []*Entry{entry}); err != nil {
			w.log.Error(entry.TokenID, entry.RequestID, "direct audit write failed",
				map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case entry := <-w.queue:
			w.add(entry)
		case <-ticker.C:
			w.Flush()
		case <-w.shutdown:
			w.Flush()
			return
		}
	}
}

func (w *Writer) add(entry *Entry) {
	w.mu.Lock()
	w.batch = append(w.batch, entry)
	full := len(w.batch) >= w.batchSize
	w.mu.Unlock()
	if full {
		w.Flush()
	}
}

func (w *Writer) drain() {
	for {
		select {
		case entry := <-w.queue:
			w.mu.Lock()
			w.batch = append(w.batch, entry)
			w.mu.Unlock()
		default:
			return
		}
	}
}

// Flush moves everything queued into the batch and writes it to the
// store. Safe to call from any goroutine; read paths use it to make
// freshly recorded entries visible.
func (w *Writer) Flush() {
	w.drain()
	w.mu.Lock()
	if len(w.batch) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.batch
	w.batch = nil
	w.mu.Unlock()

	if err := w.store.InsertBatch(context.Background(), batch); err != nil {
		w.log.Error("", "", "audit batch write failed",
			map[string]interface{}{"error": err.Error(), "entries": len(batch)})
	}
}

// Close drains the queue, flushes, and stops the worker.
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.shutdown)
		w.wg.Wait()
	})
}
