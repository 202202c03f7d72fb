package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/mqbox/internal/crypto"
)

// syncBuffer lets a test read output while a long-running command writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// start runs a command until the test ends.
func start(t *testing.T, args ...string) *syncBuffer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := new(syncBuffer)
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cmd.ExecuteContext(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return out
}

func startNatsServer(t *testing.T) *natsserver.Server {
	t.Helper()
	serv, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)
	go serv.Start()
	if !serv.ReadyForConnections(2 * time.Second) {
		t.Fatalf("nats-io server failed to start")
	}
	t.Cleanup(serv.Shutdown)
	return serv
}

func writeConfig(t *testing.T, natsURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mqbox.yaml")
	data := fmt.Sprintf(`
registry:
  kind: nats
  nats:
    url: %s
broker:
  listen: 127.0.0.1:0
  lease_duration: 2s
log:
  level: debug
`, natsURL)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mq dev")
	assert.Contains(t, out, "commit: none")
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mq 1.0.0 (commit: abc123, built: 2026-01-01)")
}

func TestRootCmdHelp(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"broker", "send", "receive", "log", "keygen", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestInvalidArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"send receiver not a number", []string{"send", "mq1", "1", "x", "hi"}, `invalid <receiverID>: "x"`},
		{"send sender not a number", []string{"send", "mq1", "one", "2", "hi"}, `invalid <senderID>: "one"`},
		{"send missing text", []string{"send", "mq1", "1", "2"}, "accepts 4 arg(s)"},
		{"receive receiver not a number", []string{"receive", "mq1", "x"}, `invalid <receiverID>: "x"`},
		{"broker without name", []string{"broker"}, "accepts 1 arg(s)"},
		{"log with args", []string{"log", "extra"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, out, tt.want)
			assert.Contains(t, out, "Usage:")
			assert.Equal(t, 1, execute(func() *cobra.Command {
				cmd := newRootCmd()
				cmd.SetOut(new(bytes.Buffer))
				cmd.SetErr(new(bytes.Buffer))
				cmd.SetArgs(tt.args)
				return cmd
			}()))
		})
	}
}

func TestBadConfig(t *testing.T) {
	_, err := run(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "send", "mq1", "1", "2", "hi")
	assert.ErrorContains(t, err, "load config")

	_, err = run(t, "send", "--seal-to", "zz", "mq1", "1", "2", "hi")
	assert.ErrorContains(t, err, "parse key")
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "keygen")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	public, err := crypto.ParseKey(strings.TrimPrefix(lines[0], "public:"))
	require.NoError(t, err)
	private, err := crypto.ParseKey(strings.TrimPrefix(lines[1], "private:"))
	require.NoError(t, err)

	sealed, err := crypto.SealText("ping", public)
	require.NoError(t, err)
	plain, err := crypto.OpenText(sealed, private)
	require.NoError(t, err)
	assert.Equal(t, "ping", plain)
}

func eventually(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(out.String(), want) },
		10*time.Second, 20*time.Millisecond, "never saw %q in:\n%s", want, out)
}

func TestBrokerSendReceiveLog(t *testing.T) {
	srv := startNatsServer(t)
	cfg := writeConfig(t, srv.ClientURL())

	brokerOut := start(t, "-c", cfg, "broker", "mq1")
	eventually(t, brokerOut, "broker mq1 listening on")

	logOut := start(t, "-c", cfg, "log", "--pattern", "mq*")
	eventually(t, logOut, "watching brokers")

	out, err := run(t, "-c", cfg, "send", "mq1", "1", "9", "a")
	require.NoError(t, err)
	assert.Contains(t, out, `To 9: "a"`)
	_, err = run(t, "-c", cfg, "send", "mq1", "2", "9", "b")
	require.NoError(t, err)
	eventually(t, logOut, "mq1: 2 incoming, 0 outgoing")

	recvOut := start(t, "-c", cfg, "receive", "mq1", "9")
	eventually(t, recvOut, `From 2: "b"`)
	got := recvOut.String()
	assert.Less(t, strings.Index(got, `From 1: "a"`), strings.Index(got, `From 2: "b"`))
	eventually(t, logOut, "mq1: 2 incoming, 2 outgoing")

	_, err = run(t, "-c", cfg, "send", "mq1", "3", "9", "live")
	require.NoError(t, err)
	eventually(t, recvOut, `From 3: "live"`)

	_, err = run(t, "-c", cfg, "send", "nobody", "1", "9", "lost")
	assert.ErrorContains(t, err, "name not found")
}

func TestSealedSend(t *testing.T) {
	srv := startNatsServer(t)
	cfg := writeConfig(t, srv.ClientURL())

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	brokerOut := start(t, "-c", cfg, "broker", "mq1")
	eventually(t, brokerOut, "listening on")

	_, err = run(t, "-c", cfg, "send", "--seal-to", hex.EncodeToString(keys.Public[:]), "mq1", "1", "4", "secret")
	require.NoError(t, err)
	// the broker only ever logs ciphertext
	eventually(t, brokerOut, "message queued")
	assert.NotContains(t, brokerOut.String(), "secret")

	recvOut := start(t, "-c", cfg, "receive", "--key", hex.EncodeToString(keys.Private[:]), "mq1", "4")
	eventually(t, recvOut, `From 1: "secret"`)
}
