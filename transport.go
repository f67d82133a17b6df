package arbor

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/arbor/pkg/link"
	"github.com/raskyld/arbor/pkg/topology"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultBindPort      int = 6174

	// ALPN advertised when the TLS configuration does not set one.
	alpnArbor = "arbor"

	// maxInitFrameSize bounds the first frame of every QUIC stream.
	maxInitFrameSize = 16
)

// streamMode is carried by the init frame and tells what a QUIC stream
// is used for.
type streamMode uint64

const (
	modeUnspecified streamMode = iota
	modeGossip
	modeLink
)

func (m streamMode) String() string {
	switch m {
	case modeGossip:
		return "gossip"
	case modeLink:
		return "link"
	}
	return "unspecified"
}

// TransportConfig represents configuration for the QUIC transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between
	// the nodes.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the transport listens.
	BindAddr string
	BindPort int

	// HintMaxStreams gives an indication of how many links and gossip
	// streams a single connection will multiplex.
	HintMaxStreams int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for connection and
	// stream establishment.
	DialTimeout time.Duration

	// GracePeriod is how long Shutdown waits for streams to flush before
	// closing connections.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MaxFrameSize bounds the encoded packets exchanged on links.
	MaxFrameSize int
}

// Transport carries tree links and, optionally, memberlist traffic over
// QUIC. A single connection per remote address is shared by every
// stream: links are QUIC streams, gossip packets are datagrams.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	// connections by remote address
	cxs   map[string][]hostCx
	cxsLk sync.RWMutex

	// Tree links
	linkCh chan link.Link

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	closeCh chan struct{}

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	name    Hostname
	quic.Connection
}

var (
	_ memberlist.NodeAwareTransport = (*Transport)(nil)
	_ Dialer                        = (*Transport)(nil)
)

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:      cfg,
		cxs:      make(map[string][]hostCx),
		linkCh:   make(chan link.Link),
		packetCh: make(chan *memberlist.Packet),
		streamCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With("component", "transport")

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.close()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = defaultBindPort
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	tlsConf := cfg.TlsConfig
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{alpnArbor}
		cfg.TlsConfig = tlsConf
	}

	hint := cfg.HintMaxStreams
	if hint == 0 {
		hint = 1024
	}

	ln, err := t.tr.Listen(tlsConf, t.quicConfig(hint))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptCx()
	return
}

func (t *Transport) quicConfig(hint int64) *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams:       true,
		Allow0RTT:             false,
		MaxIncomingStreams:    hint,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

// Links delivers the links opened by remote nodes.
func (t *Transport) Links() <-chan link.Link {
	return t.linkCh
}

// Dial opens a link toward the node listening on host and port.
func (t *Transport) Dial(ctx context.Context, host string, port topology.Port) (link.Link, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	stream, err := t.openStream(ctx, memberlist.Address{Addr: addr}, modeLink)
	if err != nil {
		return nil, err
	}
	return link.NewRemote(stream, t.cfg.MaxFrameSize), nil
}

func (t *Transport) FinalAdvertiseAddr(_ string, _ int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	local, ok := t.udpLn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, t.udpLn.LocalAddr())
	}

	ip := local.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return ip, local.Port, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	mLabels := append(slices.Clip(t.cfg.MetricLabels), labelsForAddr(addr)...)
	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricArborDatagramOutErrorCount, 1.0,
			append(mLabels, LabelError.M("no_conn_to_host")))
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(MetricArborDatagramOutBytes, float32(len(b)), mLabels)
	} else {
		t.msink.IncrCounterWithLabels(MetricArborDatagramOutErrorCount, 1.0,
			append(mLabels, LabelError.M("send")))
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.openStream(ctx, addr, modeGossip)
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// openStream opens a QUIC stream and announces its mode with the init
// frame.
func (t *Transport) openStream(ctx context.Context, addr memberlist.Address, mode streamMode) (*streamWrapper, error) {
	mLabels := append(slices.Clip(t.cfg.MetricLabels), labelsForAddr(addr)...)
	mLabels = append(mLabels, LabelStreamMode.M(mode.String()))

	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricArborStreamEstOutErrorCount, 1.0,
			append(mLabels, LabelError.M("no_conn_to_host")))
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricArborStreamEstOutErrorCount, 1.0,
			append(mLabels, LabelError.M("cannot_open_stream")))
		return nil, err
	}

	swrap := &streamWrapper{
		mode:       mode,
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}
	go swrap.garbageCollector(hcx.closeCh)

	if err := link.WriteFrame(stream, initFrame(mode), maxInitFrameSize); err != nil {
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(MetricArborStreamEstOutErrorCount, 1.0,
			append(mLabels, LabelError.M("cannot_send_init_frame")))
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(MetricArborStreamEstOutCount, 1.0, mLabels)
	return swrap, nil
}

func initFrame(mode streamMode) []byte {
	buf := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(mode))
}

func parseInitFrame(buf []byte) (streamMode, error) {
	num, typ, n := protowire.ConsumeTag(buf)
	if n < 0 {
		return modeUnspecified, protowire.ParseError(n)
	}
	if num != 1 || typ != protowire.VarintType {
		return modeUnspecified, fmt.Errorf("unexpected field %d of type %d", num, typ)
	}
	mode, m := protowire.ConsumeVarint(buf[n:])
	if m < 0 {
		return modeUnspecified, protowire.ParseError(m)
	}
	return streamMode(mode), nil
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.closeCh)

	t.cxsLk.Lock()
	for _, cxs := range t.cxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.cxsLk.Unlock()

	// dumb SO_LINGER like behaviour until it is implemented
	// in quic-go
	time.Sleep(t.cfg.GracePeriod)

	t.cxsLk.Lock()
	for _, cxs := range t.cxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.cxs = make(map[string][]hostCx)
	t.cxsLk.Unlock()

	t.close()
	return nil
}

func (t *Transport) close() {
	t.gracefulTerm.Store(true)
	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricArborUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB: the listener only fails once closed.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		if _, err := t.handleConn(conn); err != nil {
			t.logger.Warn("refused inbound connection", LabelError.L(err))
		}
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr.String()))
	mLabels := append(slices.Clip(t.cfg.MetricLabels), LabelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(MetricArborDatagramInErrorCount, 1.0,
				append(mLabels, LabelError.M("unknown")))
			logger.Error("error reading datagram", LabelError.L(err))
			continue
		}

		if len(buf) < 1 {
			t.msink.IncrCounterWithLabels(MetricArborDatagramInErrorCount, 1.0,
				append(mLabels, LabelError.M("too_small")))
			logger.Error("received a too short datagram", "length", len(buf))
			continue
		}

		t.msink.IncrCounterWithLabels(MetricArborDatagramInBytes, float32(len(buf)), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-t.closeCh:
			return
		}
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(hcx.RemoteAddr().String()), LabelPeerName.L(hcx.name))
	mLabels := append(slices.Clip(t.cfg.MetricLabels),
		LabelPeerAddr.M(hcx.RemoteAddr().String()),
		LabelPeerName.M(string(hcx.name)),
	)

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", LabelError.L(err))
			t.msink.IncrCounterWithLabels(MetricArborStreamEstInErrorCount, 1.0,
				append(mLabels, LabelError.M("unknown")))
			continue
		}

		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: hcx.RemoteAddr(),
			Stream:     stream,
		}

		// When a connection should be closed, it will first
		// close its `closeCh` channel and wait for its streams
		// to finish draining their buffers.
		go swrap.garbageCollector(hcx.closeCh)
		go t.handleStream(swrap, logger.With("quic_stream", stream.StreamID()), mLabels)
	}
}

// handleStream reads the init frame and hands the stream to its
// consumer.
func (t *Transport) handleStream(swrap *streamWrapper, logger *slog.Logger, mLabels []metrics.Label) {
	violation := func(reason string, err error) {
		logger.Warn("protocol violation: "+reason, LabelError.L(err))
		swrap.CancelRead(QErrStreamProtocolViolation)
		swrap.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(MetricArborStreamEstInErrorCount, 1.0,
			append(mLabels, LabelError.M("protocol_violation")))
	}

	_ = swrap.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	buf, err := link.ReadFrame(swrap, maxInitFrameSize)
	if t.gracefulTerm.Load() {
		return
	}
	if err != nil {
		violation("no init frame", err)
		return
	}
	_ = swrap.SetReadDeadline(time.Time{})

	mode, err := parseInitFrame(buf)
	if err != nil {
		violation("malformed init frame", err)
		return
	}
	swrap.mode = mode

	mLabels = append(mLabels, LabelStreamMode.M(mode.String()))
	switch mode {
	case modeGossip:
		t.msink.IncrCounterWithLabels(MetricArborStreamEstInCount, 1.0, mLabels)
		select {
		case t.streamCh <- swrap:
		case <-t.closeCh:
			swrap.Close()
		}
	case modeLink:
		t.msink.IncrCounterWithLabels(MetricArborStreamEstInCount, 1.0, mLabels)
		select {
		case t.linkCh <- link.NewRemote(swrap, t.cfg.MaxFrameSize):
		case <-t.closeCh:
			swrap.Close()
		}
	default:
		violation("unknown mode", fmt.Errorf("mode %d", mode))
	}
}

func (t *Transport) getActiveCx(ctx context.Context, target memberlist.Address) (hostCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target.Addr)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	key := addr.String()

	t.cxsLk.RLock()
	cx, hasCx := t.firstActiveCx(key)
	t.cxsLk.RUnlock()
	if hasCx {
		return cx, nil
	}

	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}
	conn, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, t.quicConfig(t.cfg.HintMaxStreams))
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricArborConnErrorCount, 1.0,
			append(slices.Clip(t.cfg.MetricLabels), LabelPeerAddr.M(key), LabelError.M("dial")))
		return hostCx{}, err
	}
	return t.handleConn(conn)
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(key string) (hostCx, bool) {
	for _, cx := range t.cxs[key] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(key string) []hostCx {
	alive := slices.DeleteFunc(t.cxs[key], func(cx hostCx) bool {
		return cx.Context().Err() != nil
	})
	if len(alive) == 0 {
		delete(t.cxs, key)
		return nil
	}
	t.cxs[key] = alive
	return alive
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(peer))
	mLabels := append(slices.Clip(t.cfg.MetricLabels), LabelPeerAddr.M(peer))

	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	name, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		t.msink.IncrCounterWithLabels(MetricArborConnErrorCount, 1.0,
			append(mLabels, LabelError.M("name_resolution")))
		if uerr == "" {
			QErrHostname.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return hostCx{}, ErrHostnameResolve
	}
	mLabels = append(mLabels, LabelPeerName.M(string(name)))

	hcx := hostCx{
		closeCh:    make(chan struct{}),
		name:       name,
		Connection: conn,
	}

	t.cxsLk.Lock()
	if t.gracefulTerm.Load() {
		t.cxsLk.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}
	t.cxs[peer] = append(t.garbageCollectCxs(peer), hcx)
	t.cxsLk.Unlock()

	logger.Debug("connection established", LabelPeerName.L(name))
	t.msink.IncrCounterWithLabels(MetricArborConnEstCount, 1.0, mLabels)

	// NB: it's ok to pass by value, the struct is just cheap pointers.
	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	return hcx, nil
}

func labelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, LabelPeerName.M(addr.Name))
	}
	return labels
}

// streamWrapper makes a QUIC stream usable as a net.Conn by memberlist
// and as the byte stream of a link.
type streamWrapper struct {
	mode       streamMode
	localAddr  net.Addr
	remoteAddr net.Addr

	// NB: quic-go streams already serialize Read, Write and Close.
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		// graceful termination requested.
		gs.Close()
	}
}
