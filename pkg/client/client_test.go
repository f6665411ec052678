package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vango-dev/relay/pkg/auth"
	"github.com/vango-dev/relay/pkg/crdt"
	"github.com/vango-dev/relay/pkg/server"
)

func newRelay(t *testing.T, a *auth.Config) string {
	t.Helper()
	cfg := server.DefaultConfig().WithLogger(zerolog.Nop())
	cfg.Tracing = false
	if a != nil {
		cfg.WithAuth(a)
	}
	srv := server.New(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(context.Background())
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, doc *crdt.Doc, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, doc, opts...)
	if err != nil {
		t.Fatalf("Dial(%q) failed: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.WaitSynced(ctx); err != nil {
		t.Fatalf("WaitSynced failed: %v", err)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientsConverge(t *testing.T) {
	base := newRelay(t, nil)

	docA := crdt.New(crdt.WithClientID(1))
	_ = docA.Set("before", "dial")
	dial(t, base+"/notes", docA)

	docB := crdt.New(crdt.WithClientID(2))
	dial(t, base+"/notes", docB)

	eventually(t, "B to see state written before A dialed", func() bool {
		v, ok := docB.Get("before")
		return ok && string(v) == `"dial"`
	})

	_ = docA.Set("x", 1)
	_ = docB.Set("y", 2)
	eventually(t, "B to see x", func() bool { _, ok := docB.Get("x"); return ok })
	eventually(t, "A to see y", func() bool { _, ok := docA.Get("y"); return ok })

	docA.Delete("x")
	eventually(t, "B to see x deleted", func() bool { _, ok := docB.Get("x"); return !ok })
}

func TestClientStatusEcho(t *testing.T) {
	base := newRelay(t, nil)

	got := make(chan []byte, 1)
	c := dial(t, base+"/status", crdt.New(), WithStatusHandler(func(p []byte) { got <- p }))

	if err := c.SendStatus([]byte("ping-7")); err != nil {
		t.Fatalf("SendStatus failed: %v", err)
	}
	select {
	case p := <-got:
		if string(p) != "ping-7" {
			t.Errorf("status payload = %q, want %q", p, "ping-7")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status echo")
	}
}

func TestClientAwareness(t *testing.T) {
	base := newRelay(t, nil)

	a := dial(t, base+"/cursors", crdt.New(crdt.WithClientID(10)))
	b := dial(t, base+"/cursors", crdt.New(crdt.WithClientID(20)))

	if a.ClientID() != 10 {
		t.Errorf("ClientID() = %d, want 10", a.ClientID())
	}
	if err := a.SetAwareness(map[string]string{"name": "ada"}); err != nil {
		t.Fatalf("SetAwareness failed: %v", err)
	}
	eventually(t, "B to see A's state", func() bool {
		s, ok := b.Awareness().State(10)
		return ok && string(s) == `{"name":"ada"}`
	})

	// A late joiner gets the snapshot, and can ask for it again.
	c := dial(t, base+"/cursors", crdt.New(crdt.WithClientID(30)))
	eventually(t, "C to see A's state", func() bool { _, ok := c.Awareness().State(10); return ok })
	if err := c.QueryAwareness(); err != nil {
		t.Fatalf("QueryAwareness failed: %v", err)
	}

	if err := a.SetAwareness(nil); err != nil {
		t.Fatalf("SetAwareness(nil) failed: %v", err)
	}
	eventually(t, "B to drop A's state", func() bool { _, ok := b.Awareness().State(10); return !ok })

	_ = b.SetAwareness(map[string]int{"line": 4})
	eventually(t, "C to see B's state", func() bool { _, ok := c.Awareness().State(20); return ok })
	_ = b.Close()
	eventually(t, "C to drop B after close", func() bool { _, ok := c.Awareness().State(20); return !ok })
}

func TestClientAuth(t *testing.T) {
	base := newRelay(t, &auth.Config{Secret: "s3cret"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, base+"/private", crdt.New(), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	err = c.WaitSynced(ctx)
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != server.CloseUnauthorized {
		t.Errorf("WaitSynced = %v, want close %d", err, server.CloseUnauthorized)
	}

	dial(t, base+"/private", crdt.New(), WithToken("s3cret"))
}

func TestClientClose(t *testing.T) {
	base := newRelay(t, nil)
	c := dial(t, base+"/bye", crdt.New())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
	}
	wg.Wait()

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if err := c.SendStatus(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("SendStatus after Close = %v, want ErrClosed", err)
	}
	if err := c.SetAwareness("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("SetAwareness after Close = %v, want ErrClosed", err)
	}
}

func TestEndpointRejectsMissingRoom(t *testing.T) {
	for _, in := range []string{"ws://h", "ws://h/", "::"} {
		if got, err := (&Client{}).endpoint(in); err == nil {
			t.Errorf("endpoint(%q) = %q, want error", in, got)
		}
	}
}

// Both URL forms in the package documentation reach the same room.
func TestDialRoomURLForms(t *testing.T) {
	base := newRelay(t, nil)

	docA := crdt.New(crdt.WithClientID(1))
	dial(t, base+"/shared", docA)
	docB := crdt.New(crdt.WithClientID(2))
	dial(t, base+"/rooms/shared/sync", docB)

	_ = docA.Set("k", "v")
	eventually(t, "B to see k", func() bool { _, ok := docB.Get("k"); return ok })
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name  string
		token string
		in    string
		want  string
	}{
		{"room gets sync route", "", "ws://h:1/r", "ws://h:1/r/sync"},
		{"trailing slash", "", "ws://h:1/r/", "ws://h:1/r/sync"},
		{"sync route kept", "", "ws://h:1/r/sync", "ws://h:1/r/sync"},
		{"rooms prefix kept", "", "ws://h:1/rooms/r/sync", "ws://h:1/rooms/r/sync"},
		{"rooms prefix gets sync route", "", "ws://h:1/rooms/r", "ws://h:1/rooms/r/sync"},
		{"room named sync", "", "ws://h/sync", "ws://h/sync/sync"},
		{"escaped room", "", "ws://h/a%2Fb", "ws://h/a%2Fb/sync"},
		{"http upgraded", "", "http://h/r", "ws://h/r/sync"},
		{"https upgraded", "", "https://h/r", "wss://h/r/sync"},
		{"token appended", "t k", "ws://h/r?x=1", "ws://h/r/sync?token=t+k&x=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{token: tt.token}
			got, err := c.endpoint(tt.in)
			if err != nil {
				t.Fatalf("endpoint(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("endpoint(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
