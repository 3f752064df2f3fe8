package transf

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/transf-net/transf/internal/frames"
)

// startServer binds a loopback server and runs it until the test ends.
func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	cfg.IP = "127.0.0.1"
	cfg.Port = 0
	if cfg.SaveRoot == "" {
		cfg.SaveRoot = t.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve()
	}()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})
	return srv
}

func serverPort(t *testing.T, srv *Server) int {
	t.Helper()
	addrs := srv.Addrs()
	require.NotEmpty(t, addrs)
	switch a := addrs[0].(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	default:
		t.Fatalf("unexpected addr type %T", a)
		return 0
	}
}

func dialTestClient(t *testing.T, network string, port int, prog ProgressFunc) *Client {
	t.Helper()
	c, err := Dial(ClientConfig{
		Host:     "127.0.0.1",
		Port:     port,
		Network:  network,
		Timeout:  2 * time.Second,
		Logger:   testLogger(),
		Progress: prog,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestEndToEnd(t *testing.T) {
	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			save := t.TempDir()
			srv := startServer(t, ServerConfig{Network: network, SaveRoot: save})
			client := dialTestClient(t, network, serverPort(t, srv), nil)

			require.True(t, client.CheckAlive(3))

			payload := []byte("hello")
			path := writeTempFile(t, "a.bin", payload)
			require.NoError(t, client.SendFile(path))

			b, err := os.ReadFile(filepath.Join(save, "a.bin"))
			require.NoError(t, err)
			require.Equal(t, payload, b)
		})
	}
}

func TestEndToEndMultiChunk(t *testing.T) {
	save := t.TempDir()
	srv := startServer(t, ServerConfig{
		Network:  "udp",
		SaveRoot: save,
		// D = chunk − overhead = 2 bytes of data per TRANSFER.
		ChunkSize: frames.TransferOverhead + 2,
	})

	var chunks []uint32
	client, err := Dial(ClientConfig{
		Host:      "127.0.0.1",
		Port:      serverPort(t, srv),
		Network:   "udp",
		ChunkSize: frames.TransferOverhead + 2,
		Timeout:   2 * time.Second,
		Logger:    testLogger(),
		Progress: func(chunk, total uint32) {
			chunks = append(chunks, chunk)
			require.Equal(t, uint32(3), total)
		},
	})
	require.NoError(t, err)
	defer client.Close()

	path := writeTempFile(t, "b.bin", []byte("ABCDEF"))
	require.NoError(t, client.SendFile(path))
	require.Equal(t, []uint32{1, 2, 3}, chunks)

	b, err := os.ReadFile(filepath.Join(save, "b.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("ABCDEF"), b)
}

func TestEndToEndLargerPayload(t *testing.T) {
	save := t.TempDir()
	srv := startServer(t, ServerConfig{Network: "udp", SaveRoot: save})
	client := dialTestClient(t, "udp", serverPort(t, srv), nil)

	// Several full chunks plus a partial tail, and an exact-multiple size.
	d := DefaultChunkSize - frames.TransferOverhead
	for _, size := range []int{3*d + 17, 2 * d} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i)
			}
			name := fmt.Sprintf("large_%d.bin", size)
			require.NoError(t, client.SendFile(writeTempFile(t, name, payload)))

			b, err := os.ReadFile(filepath.Join(save, name))
			require.NoError(t, err)
			require.Equal(t, payload, b)
		})
	}
}

func TestEndToEndZeroLengthFile(t *testing.T) {
	save := t.TempDir()
	srv := startServer(t, ServerConfig{Network: "udp", SaveRoot: save})
	client := dialTestClient(t, "udp", serverPort(t, srv), nil)

	require.NoError(t, client.SendFile(writeTempFile(t, "empty.bin", nil)))

	fi, err := os.Stat(filepath.Join(save, "empty.bin"))
	require.NoError(t, err)
	require.Zero(t, fi.Size())
}

func TestEndToEndConcurrentSessions(t *testing.T) {
	save := t.TempDir()
	srv := startServer(t, ServerConfig{Network: "udp", SaveRoot: save})
	port := serverPort(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := Dial(ClientConfig{
				Host:    "127.0.0.1",
				Port:    port,
				Network: "udp",
				Timeout: 2 * time.Second,
				Logger:  testLogger(),
			})
			if err != nil {
				t.Error(err)
				return
			}
			defer client.Close()

			payload := bytes.Repeat([]byte{byte('A' + i)}, 3000+i)
			path := writeTempFile(t, fmt.Sprintf("c%d.bin", i), payload)
			if err := client.SendFile(path); err != nil {
				t.Errorf("sender %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		b, err := os.ReadFile(filepath.Join(save, fmt.Sprintf("c%d.bin", i)))
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte('A' + i)}, 3000+i), b)
	}
}

func TestEndToEndUnsafeFilenameRejected(t *testing.T) {
	save := t.TempDir()
	srv := startServer(t, ServerConfig{Network: "udp", SaveRoot: save})
	port := serverPort(t, srv)

	// Drive the wire directly; the client API never produces an unsafe name
	// because it advertises the basename.
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	b, err := frames.Marshal(&frames.Handshake{FileSize: 10, Filename: "../etc/passwd"})
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)

	reply := readFrame(t, conn)
	require.IsType(t, &frames.Reject{}, reply)

	entries, err := os.ReadDir(save)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestEndToEndBogusSessionRejected(t *testing.T) {
	srv := startServer(t, ServerConfig{Network: "udp"})
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", serverPort(t, srv)))
	require.NoError(t, err)
	defer conn.Close()

	b, err := frames.Marshal(&frames.Transfer{
		SessionID: "00000000-0000-0000-0000-000000000000",
		Chunk:     1,
		Data:      []byte("x"),
	})
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)

	require.IsType(t, &frames.Reject{}, readFrame(t, conn))
}

func TestReaperExpiresStalledSession(t *testing.T) {
	save := t.TempDir()
	srv := startServer(t, ServerConfig{
		Network:       "udp",
		SaveRoot:      save,
		LiveTime:      100 * time.Millisecond,
		CheckInterval: 50 * time.Millisecond,
	})
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", serverPort(t, srv)))
	require.NoError(t, err)
	defer conn.Close()

	b, err := frames.Marshal(&frames.Handshake{FileSize: 10, Filename: "stall.bin"})
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)
	ok := readFrame(t, conn).(*frames.OK)

	// Stall past the live time; the reaper reclaims the session.
	require.Eventually(t, func() bool {
		return srv.table.len() == 0
	}, 2*time.Second, 20*time.Millisecond)

	// The partial file is gone and the session answers REJECT from now on.
	_, err = os.Stat(filepath.Join(save, "stall.bin"))
	require.ErrorIs(t, err, os.ErrNotExist)

	b, err = frames.Marshal(&frames.Transfer{SessionID: ok.SessionID, Chunk: 1, Data: []byte("x")})
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)
	require.IsType(t, &frames.Reject{}, readFrame(t, conn))
}

func TestStreamPeerCloseReclaimsSession(t *testing.T) {
	save := t.TempDir()
	srv := startServer(t, ServerConfig{Network: "tcp", SaveRoot: save})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", serverPort(t, srv)))
	require.NoError(t, err)

	b, err := frames.Marshal(&frames.Handshake{FileSize: 10, Filename: "h.bin"})
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)
	readFrame(t, conn)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(save, "h.bin"))
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond, "partial file must be removed on peer close")
	require.Zero(t, srv.table.len())
}

func TestServerShutdownNoLeaks(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	srv, err := NewServer(ServerConfig{
		IP:       "127.0.0.1",
		Port:     0,
		Network:  "udp",
		SaveRoot: t.TempDir(),
		Timeout:  500 * time.Millisecond,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve()
	}()

	client, err := Dial(ClientConfig{
		Host:    "127.0.0.1",
		Port:    serverPort(t, srv),
		Network: "udp",
		Timeout: 500 * time.Millisecond,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	require.True(t, client.CheckAlive(1))
	require.NoError(t, client.Close())

	require.NoError(t, srv.Close())
	<-done
	// leaktest verifies every serving task and the reaper exited.
}

func TestBindAddrInUse(t *testing.T) {
	srv := startServer(t, ServerConfig{Network: "udp"})

	_, err := NewServer(ServerConfig{
		IP:      "127.0.0.1",
		Port:    serverPort(t, srv),
		Network: "udp",
		Logger:  testLogger(),
	})
	require.ErrorIs(t, err, ErrAddrInUse)
}

func TestHelloProbeAndPing(t *testing.T) {
	srv := startServer(t, ServerConfig{Network: "udp"})
	client := dialTestClient(t, "udp", serverPort(t, srv), nil)

	rtt, err := client.Hello()
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))

	var attempts int
	client.Ping(2, 10*time.Millisecond, func(attempt int, rtt time.Duration, err error) {
		attempts++
		require.Equal(t, attempts, attempt)
		require.NoError(t, err)
	})
	require.Equal(t, 2, attempts)
}

// readFrame reads one frame from conn with a short deadline.
func readFrame(t *testing.T, conn net.Conn) frames.FrameBody {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, DefaultChunkSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	fr, err := frames.Decode(buf[:n])
	require.NoError(t, err)
	return fr
}
