package transf

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/transf-net/transf/internal/frames"
)

// Peer is the remote endpoint of one frame exchange: the accepted connection
// on a stream transport, or the source address of the last datagram on a
// packet transport. Handlers reply through it.
type Peer interface {
	// SendFrame encodes fr and writes it as a single frame, honoring the
	// configured send timeout.
	SendFrame(fr frames.FrameBody) error

	// RemoteAddr returns the peer's network address.
	RemoteAddr() net.Addr

	// ID returns a short correlation id for logging.
	ID() string
}

// closeNotifier is implemented by peers whose transport can observe a close
// (stream transports). Hooks run once, when the peer's connection ends.
type closeNotifier interface {
	OnClose(fn func())
}

// streamPeer is an accepted stream connection. It owns the connection and
// runs close hooks exactly once when the connection ends.
type streamPeer struct {
	conn    net.Conn
	timeout time.Duration
	id      string

	mu     sync.Mutex
	hooks  []func()
	closed bool
}

func newStreamPeer(conn net.Conn, timeout time.Duration) *streamPeer {
	return &streamPeer{
		conn:    conn,
		timeout: timeout,
		id:      xid.New().String(),
	}
}

func (p *streamPeer) SendFrame(fr frames.FrameBody) error {
	b, err := frames.Marshal(fr)
	if err != nil {
		return err
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.timeout)); err != nil {
		return mapNetErr(err)
	}
	_, err = p.conn.Write(b)
	return mapNetErr(err)
}

// recvFrame reads one frame into buf. A frame is assumed to arrive in a
// single read bounded by the buffer size.
func (p *streamPeer) recvFrame(buf []byte) (int, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
		return 0, mapNetErr(err)
	}
	n, err := p.conn.Read(buf)
	if n == 0 && err != nil {
		return 0, mapNetErr(err)
	}
	return n, nil
}

func (p *streamPeer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

func (p *streamPeer) ID() string { return p.id }

func (p *streamPeer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		fn()
		return
	}
	p.hooks = append(p.hooks, fn)
}

// close fires the close hooks and closes the connection. Safe to call more
// than once.
func (p *streamPeer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	hooks := p.hooks
	p.hooks = nil
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	_ = p.conn.Close()
}

// packetPeer is the synthetic peer for one inbound datagram: the shared
// packet socket plus the source address captured from recvfrom. It can only
// send; receiving stays with the server's single receive loop.
type packetPeer struct {
	pc      net.PacketConn
	addr    net.Addr
	timeout time.Duration
	id      string
}

func newPacketPeer(pc net.PacketConn, addr net.Addr, timeout time.Duration) *packetPeer {
	return &packetPeer{
		pc:      pc,
		addr:    addr,
		timeout: timeout,
		id:      xid.New().String(),
	}
}

func (p *packetPeer) SendFrame(fr frames.FrameBody) error {
	b, err := frames.Marshal(fr)
	if err != nil {
		return err
	}
	if err := p.pc.SetWriteDeadline(time.Now().Add(p.timeout)); err != nil {
		return mapNetErr(err)
	}
	_, err = p.pc.WriteTo(b, p.addr)
	return mapNetErr(err)
}

func (p *packetPeer) RemoteAddr() net.Addr { return p.addr }

func (p *packetPeer) ID() string { return p.id }

// resolveBindAddrs expands the requested bind address into the set of
// host:port candidates the supervisor will try. With an explicit ip the set
// is that single address. With no ip and listenAll set it is the IPv4 and
// IPv6 wildcard addresses alone. With no ip otherwise it is the loopback
// addresses supplemented with every non-loopback local interface address.
func resolveBindAddrs(ip string, port int, listenAll bool) []string {
	svc := strconv.Itoa(port)
	if ip != "" {
		return []string{net.JoinHostPort(ip, svc)}
	}
	if listenAll {
		return []string{
			net.JoinHostPort("0.0.0.0", svc),
			net.JoinHostPort("::", svc),
		}
	}
	addrs := []string{
		net.JoinHostPort("127.0.0.1", svc),
		net.JoinHostPort("::1", svc),
	}
	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return addrs
	}
	for _, a := range ifaddrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(ipn.IP.String(), svc))
	}
	return addrs
}
