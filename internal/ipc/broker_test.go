package ipc

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/donkeylabs/execore/internal/platform/logger"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	dir := t.TempDir()
	log, err := logger.New("dev")
	require.NoError(t, err)
	b, err := NewBroker(Config{
		SocketDir:         dir,
		ReservationDBPath: filepath.Join(dir, "reservations.bolt"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBroker_CreateSocketAndRoundTrip(t *testing.T) {
	b := testBroker(t)

	received := make(chan Frame, 1)
	b.SetHandlers(Handlers{
		OnMessage: func(id string, f Frame) { received <- f },
	})

	ep, err := b.CreateSocket("job", "job-1")
	require.NoError(t, err)
	require.NotEmpty(t, ep.SocketPath)

	conn, err := net.Dial("unix", ep.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	line, err := Encode(Frame{Type: FrameHeartbeat, JobID: "job-1", Timestamp: 1})
	require.NoError(t, err)
	_, err = conn.Write(line)
	require.NoError(t, err)

	select {
	case f := <-received:
		require.Equal(t, FrameHeartbeat, f.Type)
		require.Equal(t, "job-1", f.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestBroker_OrderedDelivery(t *testing.T) {
	b := testBroker(t)

	var received []int
	done := make(chan struct{})
	count := 0
	b.SetHandlers(Handlers{
		OnMessage: func(id string, f Frame) {
			received = append(received, int(f.Timestamp))
			count++
			if count == 5 {
				close(done)
			}
		},
	})

	ep, err := b.CreateSocket("job", "job-2")
	require.NoError(t, err)
	conn, err := net.Dial("unix", ep.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	for i := int64(1); i <= 5; i++ {
		line, err := Encode(Frame{Type: FrameHeartbeat, JobID: "job-2", Timestamp: i})
		require.NoError(t, err)
		_, err = conn.Write(line)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all frames")
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, received)
}

func TestBroker_CloseSocketUnlinksFile(t *testing.T) {
	b := testBroker(t)
	ep, err := b.CreateSocket("job", "job-3")
	require.NoError(t, err)

	require.NoError(t, b.CloseSocket("job-3"))
	_, err = net.Dial("unix", ep.SocketPath)
	require.Error(t, err)
}

func TestBroker_ReservationSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	log, err := logger.New("dev")
	require.NoError(t, err)
	resPath := filepath.Join(dir, "res.bolt")

	b1, err := NewBroker(Config{SocketDir: dir, ReservationDBPath: resPath}, log)
	require.NoError(t, err)
	ep := Endpoint{SocketPath: filepath.Join(dir, "job_job-4.sock")}
	require.NoError(t, b1.Reserve("job-4", ep))
	require.NoError(t, b1.Close())

	b2, err := NewBroker(Config{SocketDir: dir, ReservationDBPath: resPath}, log)
	require.NoError(t, err)
	defer b2.Close()

	owner, ok := b2.reservedOwner(ep)
	require.True(t, ok)
	require.Equal(t, "job-4", owner)
}

func TestBroker_CleanOrphanedSockets(t *testing.T) {
	b := testBroker(t)
	_, err := b.CreateSocket("job", "job-live")
	require.NoError(t, err)

	stale := filepath.Join(b.sockDir, "job_job-stale.sock")
	ln, err := net.Listen("unix", stale)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	require.NoError(t, b.CleanOrphanedSockets(b.ActiveIDs()))

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}
