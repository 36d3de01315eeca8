package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("umbra: feed/drain queue is closed")
var ErrOverflow = errors.New("umbra: feed/drain queue is overflowed")

// FDQueue is an outbound record queue between a producer that must
// never block (the document event loop) and a connection writer.
// Drain appends and returns at once; a queue that grows past its limit
// is marked overflowed and fails from then on, so the owner drops the
// connection and a fresh handshake catches the peer up instead.
// Feed waits up to timelimit for data and returns batches of roughly
// batchSize bytes.
type FDQueue[T ~[][]byte] struct {
	mu         sync.Mutex
	data       T
	size       int
	maxSize    int
	batchSize  int
	timelimit  time.Duration
	closed     bool
	sealed     bool
	overflowed bool
	signal     chan struct{}
}

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	return &FDQueue[T]{
		maxSize:   limit,
		batchSize: batchSize,
		timelimit: timelimit,
		signal:    make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.data = nil
		q.size = 0
		close(q.signal)
	}
	return nil
}

// Seal stops accepting records; Feed still hands out what is queued
// and reports ErrClosed once the queue is empty.
func (q *FDQueue[T]) Seal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.sealed {
		return
	}
	q.sealed = true
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *FDQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.sealed {
		return ErrClosed
	}
	if q.overflowed {
		return ErrOverflow
	}
	add := 0
	for _, rec := range recs {
		add += len(rec)
	}
	if q.size+add > q.maxSize {
		q.overflowed = true
		return ErrOverflow
	}
	q.data = append(q.data, recs...)
	q.size += add
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *FDQueue[T]) take() (recs T, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.overflowed {
		return nil, ErrOverflow
	}
	n, payload := 0, 0
	for n < len(q.data) && (payload < q.batchSize || n == 0) {
		payload += len(q.data[n])
		n++
	}
	if n == 0 {
		if q.sealed {
			return nil, ErrClosed
		}
		return nil, nil
	}
	recs = append(recs, q.data[:n]...)
	clear(q.data[:n])
	q.data = q.data[n:]
	q.size -= payload
	return recs, nil
}

// Feed returns queued records; nil without an error if nothing came
// within the time limit.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	if recs, err = q.take(); len(recs) > 0 || err != nil {
		return
	}
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	select {
	case <-q.signal:
	case <-ctx.Done():
		return nil, nil
	case <-timer.C:
		return nil, nil
	}
	return q.take()
}
