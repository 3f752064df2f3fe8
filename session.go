package transf

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// sessionStatus tracks where a transfer is in its lifecycle. It is advisory:
// the chunk counter drives acceptance, the status only informs logs.
type sessionStatus int

const (
	statusHandshake sessionStatus = iota
	statusTransfering
	statusDone
)

func (s sessionStatus) String() string {
	switch s {
	case statusHandshake:
		return "handshake"
	case statusTransfering:
		return "transfering"
	case statusDone:
		return "done"
	default:
		return "unknown"
	}
}

// session is the receiver-side state of one in-flight transfer.
//
// The mutex serializes frame handling for the session: it is held across the
// file write and the response send for a frame, and never across a receive.
type session struct {
	mu sync.Mutex

	id       string
	status   sessionStatus
	filename string
	fileSize uint32
	path     string

	// written only grows; nextChunk advances by one per accepted chunk.
	written   uint32
	nextChunk uint32

	// sink is the open destination file, nil once the transfer completed.
	sink *os.File

	// lastActivity is refreshed on every observation; the reaper compares
	// it against the live time.
	lastActivity time.Time
}

func (s *session) touch() {
	s.lastActivity = time.Now()
}

// closeSink closes the destination file. The sink is closed exactly once;
// subsequent calls are no-ops.
func (s *session) closeSink() {
	if s.sink != nil {
		_ = s.sink.Close()
		s.sink = nil
	}
}

// discard closes the sink and removes the partial file when the transfer did
// not complete. A file whose byte count reached the advertised size is kept.
// The caller must hold s.mu.
func (s *session) discard() {
	s.closeSink()
	if s.written < s.fileSize {
		_ = os.Remove(s.path)
	}
}

// sessionTable maps session ids to live transfers. The table lock covers the
// map only and is never held across I/O; per-session work happens under the
// session's own mutex.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

func (t *sessionTable) insert(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.id] = s
}

// findAndLock locates id and acquires its session lock without blocking.
// On success the caller holds the session lock and the table lock has been
// released. Contention maps to ErrSessionBusy so the handler can answer
// REJECT instead of queueing behind another frame.
func (t *sessionTable) findAndLock(id string) (*session, error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return nil, ErrSessionMissing
	}
	if !s.mu.TryLock() {
		t.mu.Unlock()
		return nil, ErrSessionBusy
	}
	t.mu.Unlock()
	return s, nil
}

// remove deletes id from the table. The caller must hold the session lock;
// it keeps holding it afterwards and is responsible for unlocking.
func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// reapExpired removes every session whose lock is free and whose last
// activity predates liveTime. Sessions currently handling a frame are
// skipped; they will be seen again on the next pass. Returns the number of
// sessions reclaimed.
func (t *sessionTable) reapExpired(liveTime time.Duration, log *logrus.Logger, metrics *Metrics) int {
	deadline := time.Now().Add(-liveTime)

	var victims []*session
	t.mu.Lock()
	for id, s := range t.sessions {
		if !s.mu.TryLock() {
			continue
		}
		if s.lastActivity.After(deadline) {
			s.mu.Unlock()
			continue
		}
		delete(t.sessions, id)
		victims = append(victims, s)
	}
	t.mu.Unlock()

	// File I/O happens after the table lock is released.
	for _, s := range victims {
		log.WithFields(logrus.Fields{
			"session": s.id,
			"file":    s.filename,
			"status":  s.status,
		}).Info("session expired, reclaiming")
		s.discard()
		s.mu.Unlock()
		metrics.reaped()
		metrics.sessionClosed()
	}
	return len(victims)
}

// reapAll unconditionally drains the table. Called once at shutdown, after
// the serving tasks have exited, so the blocking lock acquisition is safe.
func (t *sessionTable) reapAll(log *logrus.Logger, metrics *Metrics) {
	t.mu.Lock()
	victims := make([]*session, 0, len(t.sessions))
	for id, s := range t.sessions {
		delete(t.sessions, id)
		victims = append(victims, s)
	}
	t.mu.Unlock()

	for _, s := range victims {
		s.mu.Lock()
		log.WithFields(logrus.Fields{
			"session": s.id,
			"file":    s.filename,
		}).Debug("shutdown, reclaiming session")
		s.discard()
		s.mu.Unlock()
		metrics.sessionClosed()
	}
}
