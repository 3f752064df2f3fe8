package transf

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/transf-net/transf/internal/frames"
	"github.com/transf-net/transf/internal/sandbox"
)

// Default protocol parameters.
const (
	DefaultChunkSize = 2048
	DefaultTimeout   = 10 * time.Second
	DefaultSaveRoot  = "./received"
)

// ServerConfig configures a receiver. Zero values take the protocol
// defaults.
type ServerConfig struct {
	// IP is the bind address. Empty binds every local interface plus
	// loopback.
	IP   string
	Port int

	// Network selects the substrate: "udp" (default) or "tcp".
	Network string

	// ListenAll binds the wildcard addresses instead of enumerating
	// interfaces.
	ListenAll bool

	// SaveRoot is the directory received files are written under.
	SaveRoot string

	// ChunkSize bounds a single frame, and with it the receive buffers.
	ChunkSize int

	// Timeout applies equally to sends and receives.
	Timeout time.Duration

	// LiveTime is how long an idle session survives. Defaults to the sum of
	// the send and receive timeouts.
	LiveTime time.Duration

	// CheckInterval is the reaper's walk period. Defaults to 1.5×LiveTime.
	CheckInterval time.Duration

	Logger  *logrus.Logger
	Metrics *Metrics
}

func (c *ServerConfig) setDefaults() {
	if c.Network == "" {
		c.Network = "udp"
	}
	if c.SaveRoot == "" {
		c.SaveRoot = DefaultSaveRoot
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.LiveTime <= 0 {
		c.LiveTime = 2 * c.Timeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = c.LiveTime + c.LiveTime/2
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Server is the receiver supervisor: it owns the bound sockets, the handler
// chain, the session table and the reaper.
type Server struct {
	cfg     ServerConfig
	log     *logrus.Logger
	metrics *Metrics

	table    *sessionTable
	handlers []Handler

	listeners []net.Listener   // stream
	pconns    []net.PacketConn // datagram

	running    atomic.Bool
	wg         sync.WaitGroup
	peers      sync.Map // *streamPeer -> struct{}
	stopReaper chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once
}

// NewServer resolves the bind candidates and binds them. It fails only when
// no candidate binds; if any candidate failed because the address was in
// use, that error is surfaced.
func NewServer(cfg ServerConfig) (*Server, error) {
	cfg.setDefaults()

	if cfg.Network != "udp" && cfg.Network != "tcp" {
		return nil, pkgerrors.Errorf("unsupported network %q", cfg.Network)
	}

	root, err := sandbox.New(cfg.SaveRoot)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		table:      newSessionTable(),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	s.handlers = []Handler{
		&helloHandler{log: s.log},
		&transferHandler{table: s.table, root: root, log: s.log, metrics: s.metrics},
	}

	var addrInUse bool
	for _, addr := range resolveBindAddrs(cfg.IP, cfg.Port, cfg.ListenAll) {
		if cfg.Network == "tcp" {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				addrInUse = addrInUse || isAddrInUse(err)
				s.log.WithError(err).WithField("addr", addr).Debug("failed to bind")
				continue
			}
			s.listeners = append(s.listeners, ln)
			continue
		}
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			addrInUse = addrInUse || isAddrInUse(err)
			s.log.WithError(err).WithField("addr", addr).Debug("failed to bind")
			continue
		}
		s.pconns = append(s.pconns, pc)
	}

	if len(s.listeners) == 0 && len(s.pconns) == 0 {
		if addrInUse {
			return nil, ErrAddrInUse
		}
		return nil, pkgerrors.Errorf("no socket could be bound on port %d", cfg.Port)
	}
	return s, nil
}

// Addrs returns the addresses that were actually bound.
func (s *Server) Addrs() []net.Addr {
	var addrs []net.Addr
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	for _, pc := range s.pconns {
		addrs = append(addrs, pc.LocalAddr())
	}
	return addrs
}

// Use appends a handler to the chain. Must be called before Serve.
func (s *Server) Use(h Handler) {
	s.handlers = append(s.handlers, h)
}

// Serve runs the serving tasks and the reaper and blocks until Close. The
// reaper is joined last and makes a final unconditional pass over the
// session table.
func (s *Server) Serve() error {
	s.running.Store(true)

	for _, addr := range s.Addrs() {
		s.log.WithField("addr", addr).Info("serving")
	}

	for _, ln := range s.listeners {
		s.wg.Add(1)
		go s.serveStream(ln)
	}
	for _, pc := range s.pconns {
		s.wg.Add(1)
		go s.servePacket(pc)
	}
	go s.reaper()

	s.wg.Wait()
	close(s.stopReaper)
	<-s.reaperDone
	return nil
}

// Close stops the server: serving tasks observe the cleared running flag and
// the closed sockets, finish their in-flight frame, and exit.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.running.Store(false)
		for _, ln := range s.listeners {
			_ = ln.Close()
		}
		for _, pc := range s.pconns {
			_ = pc.Close()
		}
		s.peers.Range(func(key, _ any) bool {
			key.(*streamPeer).close()
			return true
		})
	})
	return nil
}

func (s *Server) serveStream(ln net.Listener) {
	defer s.wg.Done()
	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Debug("accept failed")
			continue
		}
		peer := newStreamPeer(conn, s.cfg.Timeout)
		s.peers.Store(peer, struct{}{})
		s.wg.Add(1)
		go s.servePeer(peer)
	}
}

// servePeer reads frames from one accepted connection. The receive buffer
// belongs to this task alone; frame payloads that outlive the dispatch are
// copied by the codec.
func (s *Server) servePeer(p *streamPeer) {
	defer s.wg.Done()
	defer s.peers.Delete(p)
	defer p.close()

	buf := make([]byte, s.cfg.ChunkSize)
	for s.running.Load() {
		n, err := p.recvFrame(buf)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			// Peer gone; close hooks reclaim any session it left behind.
			return
		}
		s.dispatch(p, buf[:n])
	}
}

func (s *Server) servePacket(pc net.PacketConn) {
	defer s.wg.Done()
	for s.running.Load() {
		// A fresh buffer per datagram: the dispatch below runs on its own
		// task and must not share the receive buffer with the next read.
		buf := make([]byte, s.cfg.ChunkSize)
		if err := pc.SetReadDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
			return
		}
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			err = mapNetErr(err)
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if !s.running.Load() || errors.Is(err, ErrClosed) {
				return
			}
			s.log.WithError(err).Debug("recvfrom failed")
			continue
		}
		peer := newPacketPeer(pc, addr, s.cfg.Timeout)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(peer, buf[:n])
		}()
	}
}

// dispatch runs the handler chain over one inbound frame, in registration
// order, stopping at the first handler that consumes it.
func (s *Server) dispatch(peer Peer, buf []byte) {
	fr, err := frames.Decode(buf)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"peer": peer.RemoteAddr(),
			"len":  len(buf),
		}).Debug("dropping malformed frame")
		return
	}
	s.metrics.frameIn(opcodeOf(fr))

	for _, h := range s.handlers {
		handled, err := h.HandleFrame(peer, fr)
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"peer":   peer.RemoteAddr(),
				"opcode": opcodeOf(fr),
			}).Warn("handler failed")
			return
		}
		if handled {
			return
		}
	}
	s.log.WithFields(logrus.Fields{
		"peer":   peer.RemoteAddr(),
		"opcode": opcodeOf(fr),
	}).Debug("no handler consumed frame")
}

// reaper garbage-collects expired sessions while the server is live and
// drains the table once on the way out.
func (s *Server) reaper() {
	defer close(s.reaperDone)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopReaper:
			s.table.reapAll(s.log, s.metrics)
			return
		case <-ticker.C:
			if n := s.table.reapExpired(s.cfg.LiveTime, s.log, s.metrics); n > 0 {
				s.log.WithField("sessions", n).Debug("reaped expired sessions")
			}
		}
	}
}
