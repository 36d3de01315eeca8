package protocol

import (
	"context"
	"io"
)

// Feeder produces records, e.g. a sync session producing outbound messages.
type Feeder interface {
	// Feed reads and returns records.
	// The EoF convention follows that of io.Reader:
	// can either return `records, EoF` or
	// `records, nil` followed by `nil/{}, EoF`
	Feed(ctx context.Context) (recs Records, err error)
}

type FeedCloser interface {
	Feeder
	io.Closer
}

// Drainer consumes records, e.g. a sync session handling inbound messages.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type DrainCloser interface {
	Drainer
	io.Closer
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Traced objects carry a trace id for logs.
type Traced interface {
	GetTraceId() string
}

type FeedDrainCloserTraced interface {
	FeedDrainCloser
	Traced
}

// Relay performs a single feed-drain step.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if len(recs) > 0 {
		if derr := drainer.Drain(ctx, recs); err == nil {
			err = derr
		}
	}
	return err
}

// Pump relays records from feeder to drainer until an error (typically
// io.EOF) or the context is cancelled.
func Pump(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}
