package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/peerchat/internal/chat"
	"github.com/petervdpas/peerchat/internal/config"
	"github.com/petervdpas/peerchat/internal/negotiate"
	"github.com/petervdpas/peerchat/internal/relay"
	"github.com/petervdpas/peerchat/internal/storage"
)

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

type noWebRTC struct{}

func (noWebRTC) NewPeerConnection() (negotiate.PeerConnection, error) {
	return nil, errors.New("webrtc disabled in tests")
}

// waitTCP blocks until addr accepts connections or timeout passes.
func waitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	ts := httptest.NewServer(relay.New(relay.Options{Store: db}).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newConsole(t *testing.T, relayURL, user string) (*Console, *syncBuffer) {
	t.Helper()
	client := relay.NewClient(relayURL, user)
	mgr := negotiate.NewManager(negotiate.Options{
		Local:   user,
		Relay:   client,
		Factory: noWebRTC{},
		Store:   client,
		History: chat.NewHistory(user, 50),
	})
	t.Cleanup(mgr.Close)
	out := &syncBuffer{}
	return NewConsole(mgr, client, out), out
}

func TestConsoleParksMessageWhileOffline(t *testing.T) {
	ts := newRelay(t)
	ctx := context.Background()
	con, out := newConsole(t, ts.URL, "a1")

	if err := con.Exec(ctx, "hello"); !errors.Is(err, negotiate.ErrNoSession) {
		t.Fatalf("sending without a peer: %v", err)
	}
	if err := con.Exec(ctx, "/peer b1"); err != nil {
		t.Fatal(err)
	}
	if err := con.Exec(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "queued on relay") {
		t.Fatalf("expected queued notice, got:\n%s", out.String())
	}

	raw, err := relay.NewClient(ts.URL, "b1").FetchMessages(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 1 {
		t.Fatalf("expected 1 parked message, got %d", len(raw))
	}

	if err := con.Exec(ctx, "/history"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "hello (queued)") {
		t.Fatalf("history missing queued message:\n%s", out.String())
	}
}

func TestConsoleDrainsOnSelect(t *testing.T) {
	ts := newRelay(t)
	ctx := context.Background()

	sender, _ := newConsole(t, ts.URL, "a1")
	if err := sender.Exec(ctx, "/peer b1"); err != nil {
		t.Fatal(err)
	}
	if err := sender.Exec(ctx, "are you there?"); err != nil {
		t.Fatal(err)
	}

	recv, out := newConsole(t, ts.URL, "b1")
	if err := recv.Exec(ctx, "/peer a1"); err != nil {
		t.Fatal(err)
	}
	if err := recv.Exec(ctx, "/history"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "a1] are you there? (received)") {
		t.Fatalf("parked message not drained:\n%s", out.String())
	}

	raw, _ := relay.NewClient(ts.URL, "b1").FetchMessages(ctx, "b1")
	if len(raw) != 0 {
		t.Fatalf("drained messages left on relay: %d", len(raw))
	}
}

func TestConsoleContactRequests(t *testing.T) {
	ts := newRelay(t)
	ctx := context.Background()
	alice, aliceOut := newConsole(t, ts.URL, "a1")
	bob, bobOut := newConsole(t, ts.URL, "b1")

	if err := alice.Exec(ctx, "/request b1"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Exec(ctx, "/request b1"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(aliceOut.String(), "already pending") {
		t.Fatalf("duplicate request not reported:\n%s", aliceOut.String())
	}

	reqs, err := relay.NewClient(ts.URL, "b1").ContactRequests(ctx)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("requests %+v err %v", reqs, err)
	}
	if err := bob.Exec(ctx, "/requests"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(bobOut.String(), "from a1") {
		t.Fatalf("request not listed:\n%s", bobOut.String())
	}
	if err := bob.Exec(ctx, "/approve "+reqs[0].ID); err != nil {
		t.Fatal(err)
	}

	if err := alice.Exec(ctx, "/contacts"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Exec(ctx, "/notifications"); err != nil {
		t.Fatal(err)
	}
	got := aliceOut.String()
	if !strings.Contains(got, "b1  b1") || !strings.Contains(got, storage.ApprovedNotice) {
		t.Fatalf("approval not visible to requester:\n%s", got)
	}
}

func TestConsoleErrors(t *testing.T) {
	ts := newRelay(t)
	ctx := context.Background()
	con, _ := newConsole(t, ts.URL, "a1")

	for _, line := range []string{"/bogus", "/peer", "/peer a1", "/connect", "/approve"} {
		if err := con.Exec(ctx, line); err == nil {
			t.Fatalf("%q should fail", line)
		}
	}
	if err := con.Exec(ctx, "/quit"); !errors.Is(err, errQuit) {
		t.Fatalf("/quit: %v", err)
	}
	if err := con.Exec(ctx, "   "); err != nil {
		t.Fatalf("blank line: %v", err)
	}
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	ts := newRelay(t)
	con, out := newConsole(t, ts.URL, "a1")

	done := make(chan error, 1)
	go func() { done <- con.Run(context.Background(), strings.NewReader("/online b1\n/quit\n/help\n")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("console did not stop")
	}
	if !strings.Contains(out.String(), "b1 is offline (last seen never)") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
	if strings.Contains(out.String(), "Commands:") {
		t.Fatal("console kept reading after /quit")
	}
}

func TestPromptPeer(t *testing.T) {
	in := strings.NewReader("alice\nhttp://127.0.0.1:9000\nn\n500\n")
	var out bytes.Buffer
	cfg, err := PromptPeer(in, &out, "peerchat.json", config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.UserID != "alice" || cfg.Peer.RelayURL != "http://127.0.0.1:9000" {
		t.Fatalf("answers not applied: %+v", cfg)
	}
	if cfg.Peer.SignalMode != "poll" || cfg.Peer.PollIntervalMs != 500 {
		t.Fatalf("poll settings not applied: %+v", cfg.Peer)
	}

	bad := strings.NewReader("bad id\n\n\n\n")
	if _, err := PromptPeer(bad, &out, "peerchat.json", config.Default()); err == nil {
		t.Fatal("expected invalid user id to be rejected")
	}
}

type reloadSpy struct {
	password string
	limit    int
}

func (r *reloadSpy) SetAdminPassword(pw string) { r.password = pw }
func (r *reloadSpy) SetRateLimit(n int)         { r.limit = n }

func TestApplyRelayReload(t *testing.T) {
	spy := &reloadSpy{}
	applyRelayReload(spy, config.Relay{AdminPassword: "pw", RateLimitPerMin: 42})
	if spy.password != "pw" || spy.limit != 42 {
		t.Fatalf("reload not applied: %+v", spy)
	}
}

func TestRunRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Relay.Port = port
	cfg.Relay.DBPath = "data/relay.db"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunRelay(ctx, RelayOptions{Dir: dir, Cfg: cfg}) }()

	addr := cfg.Relay.Addr()
	if err := waitTCP(addr, 5*time.Second); err != nil {
		cancel()
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}
