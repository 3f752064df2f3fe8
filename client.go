package transf

import (
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/transf-net/transf/internal/frames"
)

// ProgressFunc observes the chunk loop: chunk just acknowledged and the
// total expected. May be nil.
type ProgressFunc func(chunk, totalChunks uint32)

// ClientConfig configures a sender. Zero values take the protocol defaults.
type ClientConfig struct {
	Host string
	Port int

	// Network selects the substrate: "udp" (default) or "tcp".
	Network string

	// ChunkSize bounds a single frame. The per-chunk data capacity is
	// ChunkSize minus the TRANSFER frame overhead.
	ChunkSize int

	// Timeout applies equally to sends and receives.
	Timeout time.Duration

	Logger   *logrus.Logger
	Progress ProgressFunc
}

func (c *ClientConfig) setDefaults() error {
	if c.Network == "" {
		c.Network = "udp"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.ChunkSize <= frames.TransferOverhead {
		return pkgerrors.Errorf("chunk size %d leaves no room for data (overhead %d)",
			c.ChunkSize, frames.TransferOverhead)
	}
	return nil
}

// Client is the sending side: hello probe, handshake, stop-and-wait chunk
// loop. A Client drives one connection; each file runs in its own session.
type Client struct {
	cfg  ClientConfig
	log  *logrus.Logger
	addr string
	conn net.Conn
	buf  []byte // receive scratch, one frame
}

// Dial connects to the receiver. For datagram transports this only binds the
// local socket; reachability is established by the hello probe.
func Dial(cfg ClientConfig) (*Client, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.DialTimeout(cfg.Network, addr, cfg.Timeout)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "dial %s %s", cfg.Network, addr)
	}
	return &Client{
		cfg:  cfg,
		log:  cfg.Logger,
		addr: addr,
		conn: conn,
		buf:  make([]byte, cfg.ChunkSize),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the dialed address.
func (c *Client) RemoteAddr() string {
	return c.addr
}

func (c *Client) sendFrame(fr frames.FrameBody) error {
	b, err := frames.Marshal(fr)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return mapNetErr(err)
	}
	_, err = c.conn.Write(b)
	return mapNetErr(err)
}

func (c *Client) recvFrame() (frames.FrameBody, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return nil, mapNetErr(err)
	}
	n, err := c.conn.Read(c.buf)
	if n == 0 && err != nil {
		return nil, mapNetErr(err)
	}
	fr, err := frames.Decode(c.buf[:n])
	if err != nil {
		return nil, err
	}
	return fr, nil
}

// Hello performs one probe round trip and reports its duration.
func (c *Client) Hello() (time.Duration, error) {
	start := time.Now()
	if err := c.sendFrame(&frames.Hello{}); err != nil {
		return 0, err
	}
	if _, err := c.recvFrame(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// reconnect closes and re-dials the connection.
func (c *Client) reconnect() error {
	_ = c.conn.Close()
	conn, err := net.DialTimeout(c.cfg.Network, c.addr, c.cfg.Timeout)
	if err != nil {
		return pkgerrors.Wrapf(err, "reconnect %s %s", c.cfg.Network, c.addr)
	}
	c.conn = conn
	return nil
}

// CheckAlive probes the receiver up to retries times, reconnecting between
// attempts. One successful round trip counts as connected.
func (c *Client) CheckAlive(retries int) bool {
	for i := 0; i < retries; i++ {
		if i == 0 {
			c.log.Debug("connecting")
		} else {
			c.log.Debug("reconnecting")
		}
		if _, err := c.Hello(); err == nil {
			return true
		} else {
			c.log.WithError(err).Debug("hello failed")
		}
		if err := c.reconnect(); err != nil {
			c.log.WithError(err).Debug("reconnect failed")
		}
	}
	return false
}

// Ping runs the hello probe maxTry times with a pause between attempts,
// reporting each result. Used by the client's ping mode.
func (c *Client) Ping(maxTry int, pause time.Duration, report func(attempt int, rtt time.Duration, err error)) {
	for i := 0; i < maxTry; i++ {
		rtt, err := c.Hello()
		if err != nil {
			// One fresh socket before giving the attempt up for lost.
			if rerr := c.reconnect(); rerr == nil {
				rtt, err = c.Hello()
			}
		}
		report(i+1, rtt, err)
		if i+1 < maxTry {
			time.Sleep(pause)
		}
	}
}

// SendFile streams one file: handshake, then the stop-and-wait chunk loop.
// Any error is fatal for this file only; the next file starts a fresh
// session.
func (c *Client) SendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return pkgerrors.Wrapf(err, "stat %s", path)
	}
	if fi.Size() > math.MaxUint32 {
		return pkgerrors.Errorf("%s is too large to transfer (%d bytes)", path, fi.Size())
	}
	size := uint32(fi.Size())
	name := filepath.Base(path)

	c.log.WithFields(logrus.Fields{
		"file": name,
		"size": fmtSize(uint64(size)),
	}).Debug("handshake")

	if err := c.sendFrame(&frames.Handshake{FileSize: size, Filename: name}); err != nil {
		return err
	}
	reply, err := c.recvFrame()
	if err != nil {
		return err
	}
	ok, isOK := reply.(*frames.OK)
	if !isOK {
		return c.replyError(reply, "handshake")
	}
	sessionID := ok.SessionID

	// The data capacity of one chunk.
	d := c.cfg.ChunkSize - frames.TransferOverhead
	totalChunks := uint32(1)
	if size > 0 {
		totalChunks = uint32((uint64(size) + uint64(d) - 1) / uint64(d))
	}

	c.log.WithFields(logrus.Fields{
		"session": sessionID,
		"chunks":  totalChunks,
	}).Debug("transfer")

	data := make([]byte, d)
	for chunk := uint32(1); chunk <= totalChunks; chunk++ {
		n, err := io.ReadFull(f, data)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return pkgerrors.Wrapf(err, "read %s", path)
		}

		if err := c.sendFrame(&frames.Transfer{
			SessionID: sessionID,
			Chunk:     chunk,
			Data:      data[:n],
		}); err != nil {
			return err
		}

		reply, err := c.recvFrame()
		if err != nil {
			return err
		}
		switch fr := reply.(type) {
		case *frames.Received:
			if fr.SessionID != sessionID {
				return protocolErrorf("RECEIVED for session %s, want %s", fr.SessionID, sessionID)
			}
			if fr.NextChunk != chunk+1 {
				return protocolErrorf("RECEIVED acked chunk %d, want %d", fr.NextChunk, chunk+1)
			}
			if c.cfg.Progress != nil {
				c.cfg.Progress(chunk, totalChunks)
			}
		case *frames.Done:
			if fr.SessionID != sessionID {
				return protocolErrorf("DONE for session %s, want %s", fr.SessionID, sessionID)
			}
			if fr.NextChunk != chunk+1 {
				return protocolErrorf("DONE acked chunk %d, want %d", fr.NextChunk, chunk+1)
			}
			if c.cfg.Progress != nil {
				c.cfg.Progress(chunk, totalChunks)
			}
			return nil
		default:
			return c.replyError(reply, "transfer")
		}
	}

	return protocolErrorf("all %d chunks acknowledged but transfer never completed", totalChunks)
}

// replyError maps a non-ACK reply to the caller-facing error.
func (c *Client) replyError(fr frames.FrameBody, phase string) error {
	switch fr.(type) {
	case *frames.Reject:
		return ErrRejected
	case *frames.Drop:
		return ErrDropped
	default:
		return protocolErrorf("unexpected %s reply in %s", opcodeOf(fr), phase)
	}
}
