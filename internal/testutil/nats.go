package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer creates an embedded NATS server with JetStream storing under storeDir.
// It listens on a random local port so packages can run their tests in parallel.
func RunServer(storeDir string) (*server.Server, error) {
	return server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  storeDir,
	})
}

// StartJetStream starts an embedded server and returns it with a JetStream context on
// a fresh connection. cleanup closes the connection and waits for server shutdown.
func StartJetStream(t *testing.T) (*server.Server, nats.JetStreamContext, func()) {
	t.Helper()

	s, err := RunServer(t.TempDir())
	require.NoError(t, err)

	go s.Start()
	require.True(t, s.ReadyForConnections(10*time.Second), "embedded NATS server not ready")

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	return s, js, func() {
		nc.Close()
		s.Shutdown()
		s.WaitForShutdown()
	}
}

// Connect opens another client connection, closed when the test ends
func Connect(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// StoredMessages returns the payloads stream currently holds on subject, oldest first.
// It reads the stream directly, so no consumer is created.
func StoredMessages(t *testing.T, js nats.JetStreamContext, stream, subject string) [][]byte {
	t.Helper()

	info, err := js.StreamInfo(stream)
	require.NoError(t, err)

	var out [][]byte
	if info.State.Msgs == 0 {
		return out
	}
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq; seq++ {
		msg, err := js.GetMsg(stream, seq)
		if err != nil {
			// deleted sequences leave gaps
			continue
		}
		if msg.Subject == subject {
			out = append(out, msg.Data)
		}
	}
	return out
}

// Eventually polls cond every 10ms until it holds or timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}
