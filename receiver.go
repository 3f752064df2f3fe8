package transf

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/transf-net/transf/internal/frames"
	"github.com/transf-net/transf/internal/sandbox"
)

// Handler processes one inbound frame. Handlers are invoked in registration
// order; the first one that reports handled stops the chain.
type Handler interface {
	HandleFrame(peer Peer, fr frames.FrameBody) (handled bool, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Peer, frames.FrameBody) (bool, error)

// HandleFrame calls f.
func (f HandlerFunc) HandleFrame(peer Peer, fr frames.FrameBody) (bool, error) {
	return f(peer, fr)
}

// helloHandler answers liveness probes so the transfer handler never sees
// them.
type helloHandler struct {
	log *logrus.Logger
}

func (h *helloHandler) HandleFrame(peer Peer, fr frames.FrameBody) (bool, error) {
	if _, ok := fr.(*frames.Hello); !ok {
		return false, nil
	}
	h.log.WithField("peer", peer.RemoteAddr()).Debug("hello")
	return true, peer.SendFrame(&frames.Hello{})
}

// transferHandler owns the receiver side of the protocol: handshakes, chunk
// writes, completion, and the rejection paths.
type transferHandler struct {
	table   *sessionTable
	root    sandbox.Root
	log     *logrus.Logger
	metrics *Metrics
}

func (h *transferHandler) HandleFrame(peer Peer, fr frames.FrameBody) (bool, error) {
	switch fr := fr.(type) {
	case *frames.Handshake:
		return true, h.handshake(peer, fr)
	case *frames.Transfer:
		return true, h.transfer(peer, fr)
	default:
		return false, nil
	}
}

// mintSessionID returns a fresh time-based id in the 36-character canonical
// form. Uniqueness is the only property the protocol relies on.
func mintSessionID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		// NewUUID only fails when the entropy source does; fall back to the
		// random variant rather than aborting the handshake.
		id = uuid.New()
	}
	return id.String()
}

func (h *transferHandler) handshake(peer Peer, hs *frames.Handshake) error {
	plog := h.log.WithField("peer", peer.RemoteAddr())

	if err := sandbox.CheckName(hs.Filename); err != nil {
		plog.WithField("file", hs.Filename).Info("refused to receive file")
		h.metrics.rejected()
		return peer.SendFrame(&frames.Reject{})
	}

	sink, path, err := h.root.Create(hs.Filename)
	if err != nil {
		plog.WithError(err).Error("failed to create destination file")
		return peer.SendFrame(&frames.Drop{})
	}

	s := &session{
		id:        mintSessionID(),
		status:    statusHandshake,
		filename:  hs.Filename,
		fileSize:  hs.FileSize,
		path:      path,
		nextChunk: 1,
		sink:      sink,
	}
	s.touch()
	h.table.insert(s)
	h.metrics.sessionOpened()

	// On a stream transport the peer going away is observable; reclaim the
	// session and its partial file right then instead of waiting for the
	// reaper.
	if cn, ok := peer.(closeNotifier); ok {
		id := s.id
		cn.OnClose(func() {
			h.dropSession(id, peer)
		})
	}

	plog.WithFields(logrus.Fields{
		"session": s.id,
		"file":    hs.Filename,
		"size":    fmtSize(uint64(hs.FileSize)),
	}).Info("receiving file")

	return peer.SendFrame(&frames.OK{SessionID: s.id})
}

// dropSession removes id on peer close. The entry is detached from the table
// before its lock is taken so an in-flight frame can finish first.
func (h *transferHandler) dropSession(id string, peer Peer) {
	h.table.mu.Lock()
	s, ok := h.table.sessions[id]
	if ok {
		delete(h.table.sessions, id)
	}
	h.table.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	h.log.WithFields(logrus.Fields{
		"peer":    peer.RemoteAddr(),
		"session": id,
	}).Info("connection closed, reclaiming session")
	s.discard()
	s.mu.Unlock()
	h.metrics.sessionClosed()
}

func (h *transferHandler) transfer(peer Peer, tr *frames.Transfer) error {
	plog := h.log.WithFields(logrus.Fields{
		"peer":    peer.RemoteAddr(),
		"session": tr.SessionID,
	})

	s, err := h.table.findAndLock(tr.SessionID)
	if err != nil {
		// Unknown and busy both answer REJECT so the sender fails fast
		// instead of waiting out a timeout.
		plog.WithError(err).Debug("transfer refused")
		h.metrics.rejected()
		return peer.SendFrame(&frames.Reject{})
	}

	s.touch()

	if tr.Chunk != s.nextChunk {
		plog.WithFields(logrus.Fields{
			"chunk": tr.Chunk,
			"want":  s.nextChunk,
		}).Debug("unexpected chunk number")
		s.mu.Unlock()
		h.metrics.rejected()
		return peer.SendFrame(&frames.Reject{})
	}

	// Surplus bytes past the advertised size are discarded, never written.
	effective := uint32(len(tr.Data))
	if remaining := s.fileSize - s.written; effective > remaining {
		effective = remaining
	}

	if effective > 0 {
		if _, err := s.sink.Write(tr.Data[:effective]); err != nil {
			plog.WithError(err).Error("failed to write chunk")
			s.discard()
			h.table.remove(s.id)
			s.mu.Unlock()
			h.metrics.sessionClosed()
			return peer.SendFrame(&frames.Drop{})
		}
		s.written += effective
		s.nextChunk++
		s.status = statusTransfering
		h.metrics.wrote(int(effective))
	} else if s.written == s.fileSize {
		// The lone empty chunk of a zero-length file still advances the
		// counter so the sender's next==chunk+1 check holds.
		s.nextChunk++
	}

	plog.WithFields(logrus.Fields{
		"chunk":   tr.Chunk,
		"written": s.written,
		"size":    s.fileSize,
	}).Debug("chunk accepted")

	if s.written == s.fileSize {
		s.status = statusDone
		s.closeSink()
		next := s.nextChunk
		h.table.remove(s.id)
		h.log.WithFields(logrus.Fields{
			"peer": peer.RemoteAddr(),
			"file": s.filename,
			"size": fmtSize(uint64(s.fileSize)),
		}).Info("file received")
		err = peer.SendFrame(&frames.Done{SessionID: s.id, NextChunk: next})
		s.mu.Unlock()
		h.metrics.fileDone()
		h.metrics.sessionClosed()
		return err
	}

	next := s.nextChunk
	err = peer.SendFrame(&frames.Received{SessionID: s.id, NextChunk: next})
	s.mu.Unlock()
	return err
}

// opcodeOf names fr for logs and metrics.
func opcodeOf(fr frames.FrameBody) string {
	switch fr.(type) {
	case *frames.Hello:
		return "HELLO"
	case *frames.Handshake:
		return "HS"
	case *frames.OK:
		return "OK"
	case *frames.Transfer:
		return "TRANSFER"
	case *frames.Received:
		return "RECEIVED"
	case *frames.Done:
		return "DONE"
	case *frames.Reject:
		return "REJECT"
	case *frames.Drop:
		return "DROP"
	default:
		return "UNKNOWN"
	}
}

// fmtSize renders a byte count for humans.
func fmtSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return itoa(n) + " B"
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	val := float64(n) / float64(div)
	return trimFloat(val) + " " + []string{"KiB", "MiB", "GiB", "TiB"}[exp]
}

func itoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}
