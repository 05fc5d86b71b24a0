package server

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smsbridge/smsbridge/internal/contacts"
	"github.com/smsbridge/smsbridge/internal/protocol"
	"github.com/smsbridge/smsbridge/internal/registry"
	"github.com/smsbridge/smsbridge/internal/storage"
	"github.com/smsbridge/smsbridge/internal/tenant"
	"go.uber.org/zap/zaptest"
)

type testConn struct {
	id   string
	role registry.Role

	mu          sync.Mutex
	open        bool
	failSend    bool
	frames      [][]byte
	closeCode   int
	closeReason string
}

func newTestConn(id string, role registry.Role) *testConn {
	return &testConn{id: id, role: role, open: true}
}

func (c *testConn) ID() string          { return c.id }
func (c *testConn) Role() registry.Role { return c.role }

func (c *testConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.failSend {
		return errors.New("send failed")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *testConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *testConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return
	}
	c.open = false
	c.closeCode = code
	c.closeReason = reason
}

func (c *testConn) setFailSend(v bool) {
	c.mu.Lock()
	c.failSend = v
	c.mu.Unlock()
}

func (c *testConn) received(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("decode frame %s: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

func (c *testConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type failingStore struct{ contacts.Store }

func (failingStore) Replace(context.Context, tenant.ID, []protocol.Contact) error {
	return errors.New("disk full")
}

func (failingStore) List(context.Context, tenant.ID) ([]protocol.Contact, error) {
	return nil, errors.New("disk full")
}

type routerFixture struct {
	router  *Router
	reg     *registry.InMemory
	store   *contacts.SQLStore
	metrics *serverMetrics
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.New(registry.WithLogger(log))
	store := contacts.NewSQLStore(db, log)
	metrics := newServerMetrics(prometheus.NewRegistry(), reg.GlobalStats)
	router := NewRouter(log, reg, store, RouterOptions{
		Metrics: metrics,
		Now:     func() time.Time { return time.Date(2024, 3, 9, 13, 5, 7, 0, time.UTC) },
	})
	return &routerFixture{router: router, reg: reg, store: store, metrics: metrics}
}

// connect registers conn the way Serve does on EventConnected.
func (f *routerFixture) connect(t *testing.T, id tenant.ID, conn *testConn) {
	t.Helper()
	f.router.connect(f.router.connLogger(id, conn), id, conn)
	conn.reset()
}

func expectSingle(t *testing.T, conn *testConn, want map[string]any) {
	t.Helper()
	got := conn.received(t)
	if len(got) != 1 {
		t.Fatalf("%s: expected exactly one frame, got %v", conn.id, got)
	}
	for k, v := range want {
		if got[0][k] != v {
			t.Fatalf("%s: expected %s=%v, got frame %v", conn.id, k, v, got[0])
		}
	}
	if len(got[0]) != len(want) {
		t.Fatalf("%s: unexpected extra fields in %v", conn.id, got[0])
	}
}

func TestServeLifecycle(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	phone := newTestConn("phone-1", registry.RolePhone)

	events := make(chan Event, 4)
	done := make(chan struct{})
	go func() {
		f.router.Serve(context.Background(), id, phone, events)
		close(done)
	}()

	events <- Event{Kind: EventConnected}
	events <- Event{Kind: EventFrame, Data: []byte(`{"type":"ack"}`)}
	events <- Event{Kind: EventClosed}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after close")
	}

	expectSingle(t, phone, map[string]any{"type": "ack", "id": "connected"})
	st := f.reg.Status(id)
	if st.PhoneOnline {
		t.Fatal("phone should be offline after close")
	}
	if st.LastPhoneSeen == nil {
		t.Fatal("last phone seen should be recorded")
	}
	if got := testutil.ToFloat64(f.metrics.connections.WithLabelValues("phone")); got != 1 {
		t.Fatalf("expected 1 phone connection counted, got %v", got)
	}
}

func TestServeClosesConnectionOnShutdown(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	desk := newTestConn("desk-1", registry.RoleDesktop)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 4)
	done := make(chan struct{})
	go func() {
		f.router.Serve(ctx, id, desk, events)
		close(done)
	}()
	events <- Event{Kind: EventConnected}

	deadline := time.Now().Add(2 * time.Second)
	for f.reg.Status(id).DesktopClients != 1 {
		if time.Now().After(deadline) {
			t.Fatal("desktop never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for desk.IsOpen() {
		if time.Now().After(deadline) {
			t.Fatal("connection not closed on shutdown")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if desk.closeCode != websocket.CloseGoingAway {
		t.Fatalf("expected going away close, got %d", desk.closeCode)
	}

	// transport reports the close; only then does Serve return
	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	if got := f.reg.GlobalStats(); got.Desktops != 0 {
		t.Fatalf("desktop should be unregistered, got %+v", got)
	}
}

func TestReplacedPhoneCloseKeepsNewPhone(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	oldPhone := newTestConn("phone-old", registry.RolePhone)
	newPhone := newTestConn("phone-new", registry.RolePhone)

	f.connect(t, id, oldPhone)
	f.connect(t, id, newPhone)

	if oldPhone.IsOpen() || oldPhone.closeCode != registry.CloseNormal || oldPhone.closeReason != registry.ReplacedReason {
		t.Fatalf("old phone should be closed as replaced, got %d %q", oldPhone.closeCode, oldPhone.closeReason)
	}

	f.router.disconnect(f.router.connLogger(id, oldPhone), id, oldPhone, true)
	if !f.reg.IsPhoneOnline(id) {
		t.Fatal("stale close evicted the new phone")
	}
	if got := testutil.ToFloat64(f.metrics.phoneReplacements); got != 1 {
		t.Fatalf("expected 1 replacement, got %v", got)
	}
}

func TestSMSWhilePhoneOffline(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	desk := newTestConn("desk-1", registry.RoleDesktop)
	f.connect(t, id, desk)

	f.router.HandleFrame(context.Background(), id, desk, []byte(`{"type":"sms","to":"+15550100","msg":"hi"}`))

	expectSingle(t, desk, map[string]any{
		"type":    "error",
		"code":    "PHONE_OFFLINE",
		"message": "Phone is offline. Cannot send SMS.",
	})
	if got := testutil.ToFloat64(f.metrics.routerErrors.WithLabelValues("PHONE_OFFLINE")); got != 1 {
		t.Fatalf("expected PHONE_OFFLINE counted once, got %v", got)
	}
}

func TestSMSForwardedToPhone(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	phone := newTestConn("phone-1", registry.RolePhone)
	desk := newTestConn("desk-1", registry.RoleDesktop)
	f.connect(t, id, phone)
	f.connect(t, id, desk)

	f.router.HandleFrame(context.Background(), id, desk, []byte(`{"type":"sms","to":"+15550100","msg":"hi"}`))

	expectSingle(t, phone, map[string]any{"type": "sms", "to": "+15550100", "msg": "hi"})
	expectSingle(t, desk, map[string]any{"type": "ack"})
}

func TestSMSSendFailure(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	phone := newTestConn("phone-1", registry.RolePhone)
	desk := newTestConn("desk-1", registry.RoleDesktop)
	f.connect(t, id, phone)
	f.connect(t, id, desk)
	phone.setFailSend(true)

	err := f.router.Dispatch(context.Background(), id, desk, protocol.SMS{To: "+1", Msg: "hi"})
	var rerr *routeError
	if !errors.As(err, &rerr) || rerr.code != protocol.CodeSendFailed {
		t.Fatalf("expected SEND_FAILED, got %v", err)
	}
	expectSingle(t, desk, map[string]any{"type": "error", "code": "SEND_FAILED", "message": "Failed to send to phone"})
}

func TestIncomingCallBroadcast(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	phone := newTestConn("phone-1", registry.RolePhone)
	desk1 := newTestConn("desk-1", registry.RoleDesktop)
	desk2 := newTestConn("desk-2", registry.RoleDesktop)
	other := newTestConn("desk-other", registry.RoleDesktop)
	f.connect(t, id, phone)
	f.connect(t, id, desk1)
	f.connect(t, id, desk2)
	f.connect(t, tenant.Derive("other"), other)

	f.router.HandleFrame(context.Background(), id, phone, []byte(`{"type":"incoming_call","number":"+15550199"}`))

	for _, d := range []*testConn{desk1, desk2} {
		expectSingle(t, d, map[string]any{"type": "incoming_call", "number": "+15550199"})
	}
	expectSingle(t, phone, map[string]any{"type": "ack"})
	if got := other.received(t); len(got) != 0 {
		t.Fatalf("other tenant received %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.desktopDeliveries); got != 2 {
		t.Fatalf("expected 2 deliveries, got %v", got)
	}
}

func TestContactsSyncThenGet(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	phone := newTestConn("phone-1", registry.RolePhone)
	desk := newTestConn("desk-1", registry.RoleDesktop)
	f.connect(t, id, phone)
	f.connect(t, id, desk)

	f.router.HandleFrame(context.Background(), id, phone, []byte(
		`{"type":"contacts","data":[{"name":"Bob","number":"+2"},{"name":"Ann","number":"+1"},{"name":"Cy","number":"+3"}]}`))

	expectSingle(t, phone, map[string]any{"type": "ack", "id": "contacts_updated"})
	expectSingle(t, desk, map[string]any{"type": "ack", "id": "contacts_updated"})
	desk.reset()

	f.router.HandleFrame(context.Background(), id, desk, []byte(`{"type":"get_contacts"}`))
	got := desk.received(t)
	if len(got) != 1 || got[0]["type"] != "contacts" {
		t.Fatalf("expected contacts reply, got %v", got)
	}
	data, ok := got[0]["data"].([]any)
	if !ok || len(data) != 3 {
		t.Fatalf("expected 3 contacts, got %v", got[0]["data"])
	}
	first := data[0].(map[string]any)
	if first["name"] != "Ann" || first["number"] != "+1" {
		t.Fatalf("expected contacts ordered by name, got %v", data)
	}

	stranger := newTestConn("desk-2", registry.RoleDesktop)
	other := tenant.Derive("other")
	f.connect(t, other, stranger)
	f.router.HandleFrame(context.Background(), other, stranger, []byte(`{"type":"get_contacts"}`))
	got = stranger.received(t)
	if len(got) != 1 {
		t.Fatalf("expected one reply, got %v", got)
	}
	if data, ok := got[0]["data"].([]any); !ok || len(data) != 0 {
		t.Fatalf("other tenant should see an empty list, got %v", got[0]["data"])
	}
}

func TestContactsStorageFailure(t *testing.T) {
	log := zaptest.NewLogger(t)
	reg := registry.New()
	router := NewRouter(log, reg, failingStore{}, RouterOptions{})
	id := tenant.Derive("k")
	phone := newTestConn("phone-1", registry.RolePhone)
	desk := newTestConn("desk-1", registry.RoleDesktop)
	reg.RegisterPhone(id, phone)
	reg.RegisterDesktop(id, desk)

	router.HandleFrame(context.Background(), id, phone, []byte(`{"type":"contacts","data":[]}`))
	expectSingle(t, phone, map[string]any{"type": "error", "code": "STORAGE_ERROR", "message": "Failed to store contacts"})
	if got := desk.received(t); len(got) != 0 {
		t.Fatalf("desktops must not be notified of a failed sync, got %v", got)
	}

	router.HandleFrame(context.Background(), id, desk, []byte(`{"type":"get_contacts"}`))
	expectSingle(t, desk, map[string]any{"type": "error", "code": "STORAGE_ERROR", "message": "Failed to load contacts"})
}

func TestMalformedFramesHaveNoSideEffects(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	phone := newTestConn("phone-1", registry.RolePhone)
	desk := newTestConn("desk-1", registry.RoleDesktop)
	f.connect(t, id, phone)
	f.connect(t, id, desk)

	cases := []struct {
		raw  string
		code string
		msg  string
	}{
		{`not valid json {{{`, "PARSE_ERROR", "Failed to parse message"},
		{`{"type":"sms","to":"","msg":"x"}`, "INVALID_FORMAT", "Invalid message format"},
		{`{"sender":"+1","message":"spoofed"}`, "INVALID_FORMAT", "Invalid message format"},
		{`{"type":"teleport"}`, "INVALID_FORMAT", "Invalid message format"},
	}
	for _, tc := range cases {
		desk.reset()
		f.router.HandleFrame(context.Background(), id, desk, []byte(tc.raw))
		expectSingle(t, desk, map[string]any{"type": "error", "code": tc.code, "message": tc.msg})
	}
	if got := phone.received(t); len(got) != 0 {
		t.Fatalf("phone received frames from malformed input: %v", got)
	}
}

func TestTerminalMessagesGetNoReply(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	desk := newTestConn("desk-1", registry.RoleDesktop)
	f.connect(t, id, desk)

	f.router.HandleFrame(context.Background(), id, desk, []byte(`{"type":"ack","id":"x"}`))
	f.router.HandleFrame(context.Background(), id, desk, []byte(`{"type":"error","message":"oops"}`))
	if got := desk.received(t); len(got) != 0 {
		t.Fatalf("expected no replies, got %v", got)
	}
}

func TestIncomingSMSOverRelay(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	phone := newTestConn("phone-1", registry.RolePhone)
	desk1 := newTestConn("desk-1", registry.RoleDesktop)
	desk2 := newTestConn("desk-2", registry.RoleDesktop)
	f.connect(t, id, phone)
	f.connect(t, id, desk1)
	f.connect(t, id, desk2)

	frame := `{"type":"incoming_sms","sender":"+1","message":"yo","timestamp":"2024-01-01T00:00:00.000Z"}`
	f.router.HandleFrame(context.Background(), id, phone, []byte(frame))
	expectSingle(t, desk1, map[string]any{"type": "incoming_sms", "sender": "+1", "message": "yo", "timestamp": "2024-01-01T00:00:00.000Z"})
	if got := phone.received(t); len(got) != 0 {
		t.Fatalf("phone should get no reply, got %v", got)
	}

	desk1.reset()
	desk2.reset()
	f.router.HandleFrame(context.Background(), id, desk1, []byte(frame))
	expectSingle(t, desk1, map[string]any{"type": "error", "code": "FORBIDDEN", "message": "Only the phone may report incoming SMS"})
	if got := desk2.received(t); len(got) != 0 {
		t.Fatalf("forbidden message must not be broadcast, got %v", got)
	}
}

func TestNotifyIncomingSMS(t *testing.T) {
	f := newRouterFixture(t)
	id := tenant.Derive("k")
	desk := newTestConn("desk-1", registry.RoleDesktop)
	closed := newTestConn("desk-2", registry.RoleDesktop)
	f.connect(t, id, desk)
	f.connect(t, id, closed)
	closed.Close(registry.CloseNormal, "")

	if n := f.router.NotifyIncomingSMS(id, "+15550100", "hello"); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	expectSingle(t, desk, map[string]any{
		"type":      "incoming_sms",
		"sender":    "+15550100",
		"message":   "hello",
		"timestamp": "2024-03-09T13:05:07.000Z",
	})

	if n := f.router.NotifyIncomingSMS(tenant.Derive("empty"), "+1", "x"); n != 0 {
		t.Fatalf("expected 0 deliveries for tenant without desktops, got %d", n)
	}
}
