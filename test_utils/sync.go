// Package testutils wires protocol endpoints together in memory.
package testutils

import (
	"context"
	"sync"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
)

// SyncData pumps records both ways between a and b until stop is
// called. stop closes both ends and waits for the pumps to exit; it is
// safe to call more than once. done is closed once both pumps are over,
// which happens by itself when both sides say bye.
func SyncData(a, b protocol.FeedDrainCloser) (stop func(), done <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = protocol.Pump(ctx, a, b)
	}()
	go func() {
		defer wg.Done()
		_ = protocol.Pump(ctx, b, a)
	}()
	go func() {
		wg.Wait()
		close(finished)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
			cancel()
			<-finished
		})
	}
	return stop, finished
}
