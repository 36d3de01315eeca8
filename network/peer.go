package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/utils"
)

// Peer runs one connection: a read loop feeding complete records to the
// protocol handler's Drain and a write loop sending whatever its Feed
// returns. Records may arrive split across reads (or websocket
// messages); the incomplete tail waits in the buffer.
type Peer struct {
	closed         atomic.Bool
	closeConn      sync.Once
	closeInout     sync.Once
	writeBatchSize *utils.AvgVal

	conn           net.Conn
	inout          protocol.FeedDrainCloserTraced
	incomingBuffer atomic.Int32
	bufferMaxSize  int
	writeTimeout   time.Duration
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() && ctx.Err() == nil {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		n, rerr := p.conn.Read(idle)
		buf.Write(idle[:n])
		if n > 0 {
			recs, err := protocol.Split(&buf)
			if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
				return err
			}
			if errors.Is(err, protocol.ErrIncomplete) && buf.Len() >= p.bufferMaxSize {
				return errors.Join(err, fmt.Errorf("buffer is not enough to read packet"))
			}
			if len(recs) > 0 {
				if err := p.inout.Drain(ctx, recs); err != nil {
					return err
				}
			}
		}
		p.incomingBuffer.Store(int32(buf.Len()))
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
	return nil
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) GetIncomingPacketBufferSize() int32 {
	return p.incomingBuffer.Load()
}

func (p *Peer) write(recs protocol.Records) (err error) {
	if p.writeTimeout != 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	if _, framed := p.conn.(*wsConn); framed {
		// one batch, one websocket message
		_, err = p.conn.Write(recs.Bytes())
		return
	}
	b := net.Buffers(recs)
	_, err = b.WriteTo(p.conn)
	return
}

// keepWrite sends batches from Feed. io.EOF from Feed means the handler
// is done talking: its last records go out and the connection closes.
func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.inout.Feed(ctx)
		if len(recs) > 0 {
			p.writeBatchSize.Add(float64(recs.TotalLen()))
			if werr := p.write(recs); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) closeConnection() (err error) {
	p.closeConn.Do(func() {
		err = p.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return
}

// Keep runs both loops until either ends or the context is done; then
// the connection is closed, which stops the other loop.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	if p.closed.Load() {
		return nil, nil, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	stop := func() {
		p.closed.Store(true)
		cancel()
		if err := p.closeConnection(); err != nil && cerr == nil {
			cerr = err
		}
	}
	done := ctx.Done()
	for pending := 2; pending > 0; {
		select {
		case rerr = <-readErrCh:
			pending--
			if errors.Is(rerr, net.ErrClosed) || p.closed.Load() {
				// closed by us
				rerr = nil
			}
		case werr = <-writeErrCh:
			pending--
			if errors.Is(werr, net.ErrClosed) && p.closed.Load() {
				werr = nil
			}
		case <-done:
		}
		done = nil
		stop()
	}
	return
}

func (p *Peer) Close() {
	p.closed.Store(true)
	_ = p.closeConnection()
	p.closeInout.Do(func() {
		_ = p.inout.Close()
	})
}
