// Package network moves TLV record streams between peers over TCP, TLS
// or WebSocket connections.
//
// The transport knows nothing about the records themselves. NewNet takes
// an install callback that returns a protocol handler (a
// FeedDrainCloserTraced) for every new connection; the Peer then runs
// two loops for it:
//   - keepRead: reads the socket, splits complete records off the
//     buffer and hands them to Drain()
//   - keepWrite: takes records from Feed() and writes them out
//
// Outbound connections are kept alive by KeepConnecting: a failed dial
// or a dropped connection is retried after a jittered exponential
// backoff (0.5s, 1s, 2s, ... capped at 60s) until the pool is
// disconnected or the Net is closed.
//
// Usage:
//
//	n := NewNet(logger, install, destroy,
//		&NetTlsConfigOpt{Config: tlsConfig},
//		&NetWriteTimeoutOpt{Timeout: 30 * time.Second},
//	)
//	err := n.Listen("tcp://:8080")      // raw TLV over TCP
//	http.Handle("/sync", n)             // TLV over WebSocket
//	err = n.Connect("wss://relay.example.com/sync")
//	defer n.Close()
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/utils"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

var (
	ErrAddressInvalid    = errors.New("umbra: the address invalid")
	ErrAddressDuplicated = errors.New("umbra: the address already used")
	ErrAddressUnknown    = errors.New("umbra: address unknown")
	ErrDisconnected      = errors.New("umbra: disconnected by user")
)

const (
	TCP ConnType = iota + 1
	TLS
	WS
	WSS
)

const (
	TYPICAL_MTU = 1500
	// a record can not be longer than that
	DEFAULT_BUFFER_MAX = 1 << 24

	MAX_RETRY_PERIOD = time.Minute
	MIN_RETRY_PERIOD = time.Second / 2
)

type InstallCallback func(name string) protocol.FeedDrainCloserTraced
type DestroyCallback func(name string, p protocol.Traced)

// ConnectErrorCallback hears about every failed dial of a pool.
type ConnectErrorCallback func(name string, err error)

// Net keeps listeners and outbound connection pools. One slow peer never
// delays the others: every connection runs its own read and write loops.
type Net struct {
	wg             sync.WaitGroup
	log            utils.Logger
	onInstall      InstallCallback
	onDestroy      DestroyCallback
	onConnectError ConnectErrorCallback

	conns     *xsync.MapOf[string, *Peer]
	pools     *xsync.MapOf[string, context.CancelFunc]
	listens   *xsync.MapOf[string, net.Listener]
	ctx       context.Context
	cancelCtx context.CancelFunc

	upgrader           websocket.Upgrader
	tlsConfig          *tls.Config
	readBufferTcpSize  int
	writeBufferTcpSize int
	writeTimeout       time.Duration
	dialTimeout        time.Duration
	bufferMaxSize      int

	minRetry, maxRetry time.Duration
	retryJitter        float64
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetTlsConfigOpt struct {
	Config *tls.Config
}

func (opt *NetTlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

type NetReadBatchOpt struct {
	BufferMaxSize int
}

func (opt *NetReadBatchOpt) Apply(n *Net) {
	n.bufferMaxSize = opt.BufferMaxSize
}

type TcpBufferSizeOpt struct {
	Read  int
	Write int
}

func (opt *TcpBufferSizeOpt) Apply(n *Net) {
	n.readBufferTcpSize = opt.Read
	n.writeBufferTcpSize = opt.Write
}

// NetBackoffOpt tunes the reconnect backoff; zero fields keep defaults.
type NetBackoffOpt struct {
	Min, Max    time.Duration
	Jitter      float64
	DialTimeout time.Duration
}

func (opt *NetBackoffOpt) Apply(n *Net) {
	if opt.Min > 0 {
		n.minRetry = opt.Min
	}
	if opt.Max > 0 {
		n.maxRetry = opt.Max
	}
	if opt.Jitter > 0 {
		n.retryJitter = opt.Jitter
	}
	if opt.DialTimeout > 0 {
		n.dialTimeout = opt.DialTimeout
	}
}

type NetConnectErrorOpt struct {
	Callback ConnectErrorCallback
}

func (opt *NetConnectErrorOpt) Apply(n *Net) {
	n.onConnectError = opt.Callback
}

// NetOriginOpt restricts websocket upgrades; by default any origin passes.
type NetOriginOpt struct {
	Check func(r *http.Request) bool
}

func (opt *NetOriginOpt) Apply(n *Net) {
	n.upgrader.CheckOrigin = opt.Check
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:       utils.LoggerOr(log),
		cancelCtx: cancel,
		ctx:       ctx,
		conns:     xsync.NewMapOf[string, *Peer](),
		pools:     xsync.NewMapOf[string, context.CancelFunc](),
		listens:   xsync.NewMapOf[string, net.Listener](),
		onInstall: install,
		onDestroy: destroy,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  TYPICAL_MTU * 4,
			WriteBufferSize: TYPICAL_MTU * 4,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		bufferMaxSize: DEFAULT_BUFFER_MAX,
		dialTimeout:   10 * time.Second,
		minRetry:      MIN_RETRY_PERIOD,
		maxRetry:      MAX_RETRY_PERIOD,
		retryJitter:   0.5,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

type NetStats struct {
	ReadBuffers  map[string]int32
	WriteBatches map[string]int32
}

func (n *Net) GetStats() NetStats {
	stats := NetStats{
		ReadBuffers:  make(map[string]int32),
		WriteBatches: make(map[string]int32),
	}
	n.conns.Range(func(name string, peer *Peer) bool {
		if peer != nil {
			stats.ReadBuffers[name] = peer.GetIncomingPacketBufferSize()
			stats.WriteBatches[name] = int32(peer.writeBatchSize.Val())
		}
		return true
	})
	return stats
}

func (n *Net) Close() error {
	n.cancelCtx()

	n.listens.Range(func(_ string, v net.Listener) bool {
		if v != nil {
			v.Close()
		}
		return true
	})
	n.listens.Clear()

	n.pools.Range(func(_ string, cancel context.CancelFunc) bool {
		cancel()
		return true
	})
	n.pools.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		// nil while a pool is still dialing
		if p != nil {
			p.Close()
		}
		return true
	})
	n.conns.Clear()

	n.wg.Wait()
	return nil
}

func (n *Net) Connect(addr string) (err error) {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps one connection to any of the addresses, failing
// over in order and retrying with backoff.
func (n *Net) ConnectPool(name string, addrs []string) (err error) {
	if n.ctx.Err() != nil {
		return ErrDisconnected
	}
	ctx, cancel := context.WithCancel(n.ctx)
	if _, ok := n.pools.LoadOrStore(name, cancel); ok {
		cancel()
		return ErrAddressDuplicated
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepConnecting(ctx, name, addrs)
	}()

	return nil
}

// Disconnect stops the pool and drops its connection.
func (n *Net) Disconnect(name string) (err error) {
	cancel, ok := n.pools.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}
	cancel()
	if peer, ok := n.conns.LoadAndDelete(name); ok && peer != nil {
		peer.Close()
	}
	return nil
}

// Listen accepts raw TLV connections at "tcp://host:port" or
// "tls://host:port". WebSocket peers come in through ServeHTTP.
func (n *Net) Listen(addr string) error {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)

	n.log.Info("net: listening", "addr", addr)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepListening(addr)
	}()

	return nil
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok || listener == nil {
		return ErrAddressUnknown
	}
	return listener.Close()
}

func (n *Net) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.minRetry
	b.MaxInterval = n.maxRetry
	b.Multiplier = 2
	b.RandomizationFactor = n.retryJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (n *Net) dialAny(ctx context.Context, addrs []string) (conn net.Conn, err error) {
	for _, addr := range addrs {
		if conn, err = n.createConn(ctx, addr); err == nil {
			return conn, nil
		}
	}
	if err == nil {
		err = ErrAddressInvalid
	}
	return nil, err
}

// KeepConnecting dials the addresses until the context is done. Both a
// failed dial and a lost connection are followed by a backoff pause.
func (n *Net) KeepConnecting(ctx context.Context, name string, addrs []string) {
	retry := n.newBackOff()
	for ctx.Err() == nil {
		conn, err := n.dialAny(ctx, addrs)
		if err == nil {
			n.setTCPBuffersSize(utils.WithDefaultArgs(ctx, "name", name), conn)
			n.log.Info("net: connected", "name", name)
			retry.Reset()
			n.keepPeer(ctx, name, conn)
		} else if ctx.Err() == nil {
			n.log.Error("net: couldn't connect", "name", name, "err", err)
			if n.onConnectError != nil {
				n.onConnectError(name, err)
			}
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			wait = n.maxRetry
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
}

func (n *Net) setTCPBuffersSize(ctx context.Context, conn net.Conn) {
	var tconn *net.TCPConn
	switch res := conn.(type) {
	case *tls.Conn:
		nconn, ok := res.NetConn().(*net.TCPConn)
		if !ok {
			n.log.WarnCtx(ctx, "net: unable to set buffers, because tls conn is strange")
			return
		}
		tconn = nconn
	case *net.TCPConn:
		tconn = res
	case *wsConn:
		n.setTCPBuffersSize(ctx, res.ws.UnderlyingConn())
		return
	default:
		n.log.WarnCtx(ctx, "net: unable to set buffers, because unknown connection type")
		return
	}
	if n.readBufferTcpSize > 0 {
		tconn.SetReadBuffer(n.readBufferTcpSize)
	}
	if n.writeBufferTcpSize > 0 {
		tconn.SetWriteBuffer(n.writeBufferTcpSize)
	}
}

// KeepListening accepts connections until the listener is closed.
func (n *Net) KeepListening(addr string) {
	for n.ctx.Err() == nil {
		listener, ok := n.listens.Load(addr)
		if !ok || listener == nil {
			break
		}

		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// reconnects are the client's problem
			n.log.Error("net: couldn't accept request", "addr", addr, "err", err)
			continue
		}

		remoteAddr := conn.RemoteAddr().String()
		n.log.Info("net: accept connection", "addr", addr, "remoteAddr", remoteAddr)
		n.setTCPBuffersSize(utils.WithDefaultArgs(n.ctx, "addr", addr, "remoteAddr", remoteAddr), conn)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(n.ctx, acceptedName(remoteAddr), conn)
		}()
	}

	if l, ok := n.listens.LoadAndDelete(addr); ok && l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.log.Error("net: couldn't correct close listener", "addr", addr, "err", err)
		}
	}

	n.log.Info("net: listener closed", "addr", addr)
}

func acceptedName(remoteAddr string) string {
	return fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remoteAddr)
}

// ServeHTTP upgrades the request to a websocket and serves it as a peer
// until the connection ends.
func (n *Net) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has replied already
		n.log.Warn("net: websocket upgrade failed", "remoteAddr", r.RemoteAddr, "err", err)
		return
	}
	n.wg.Add(1)
	defer n.wg.Done()
	n.log.Info("net: accept websocket", "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
	n.keepPeer(n.ctx, acceptedName(r.RemoteAddr), newWSConn(ws))
}

func (n *Net) keepPeer(ctx context.Context, name string, conn net.Conn) {
	peer := &Peer{
		inout:          n.onInstall(name),
		conn:           conn,
		writeTimeout:   n.writeTimeout,
		bufferMaxSize:  n.bufferMaxSize,
		writeBatchSize: &utils.AvgVal{},
	}
	n.conns.Store(name, peer)

	readErr, writeErr, closeErr := peer.Keep(ctx)
	if readErr != nil {
		n.log.Error("net: couldn't read from peer", "name", name, "err", readErr, "trace_id", peer.GetTraceId())
	}
	if writeErr != nil {
		n.log.Error("net: couldn't write to peer", "name", name, "err", writeErr, "trace_id", peer.GetTraceId())
	}
	if closeErr != nil {
		n.log.Error("net: couldn't correct close peer", "name", name, "err", closeErr, "trace_id", peer.GetTraceId())
	}

	n.conns.Compute(name, func(old *Peer, loaded bool) (*Peer, bool) {
		// a pool keeps its slot for the next dial
		return old, !loaded || old == peer
	})
	peer.Close()
	if n.onDestroy != nil {
		n.onDestroy(name, peer.inout)
	}
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	switch connType {
	case TCP:
	case TLS:
		listener = tls.NewListener(listener, n.tlsConfig)
	default:
		listener.Close()
		return nil, fmt.Errorf("%w: serve websockets over http", ErrAddressInvalid)
	}
	return listener, nil
}

func (n *Net) createConn(ctx context.Context, addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	switch connType {
	case TCP:
		d := net.Dialer{Timeout: n.dialTimeout}
		return d.DialContext(ctx, "tcp", address)

	case TLS:
		d := tls.Dialer{NetDialer: &net.Dialer{Timeout: n.dialTimeout}, Config: n.tlsConfig}
		return d.DialContext(ctx, "tcp", address)

	case WS, WSS:
		d := websocket.Dialer{
			HandshakeTimeout: n.dialTimeout,
			TLSClientConfig:  n.tlsConfig,
			Proxy:            http.ProxyFromEnvironment,
		}
		ws, resp, err := d.DialContext(ctx, addr, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return newWSConn(ws), nil
	}
	return nil, ErrAddressInvalid
}

// parseAddr splits the scheme off an address:
//   - "tcp://localhost:8080" -> TCP, "localhost:8080"
//   - "tls://example.com:443" -> TLS, "example.com:443"
//   - "ws://localhost:8080/sync" -> WS, "localhost:8080/sync"
//   - "localhost:8080" -> TCP, "localhost:8080"
func parseAddr(addr string) (ConnType, string, error) {
	if !strings.Contains(addr, "://") {
		return TCP, addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", errors.Join(ErrAddressInvalid, err)
	}

	var conn ConnType

	switch u.Scheme {
	case "", "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	case "ws":
		conn = WS
	case "wss":
		conn = WSS
	default:
		return conn, addr, ErrAddressInvalid
	}

	u.Scheme = ""
	address := strings.TrimPrefix(u.String(), "//")

	return conn, address, nil
}
