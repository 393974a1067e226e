package connection

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/session"
	"github.com/matheus3301/wppcrm/internal/status"
	"github.com/matheus3301/wppcrm/internal/store"
	intsync "github.com/matheus3301/wppcrm/internal/sync"
	"github.com/matheus3301/wppcrm/internal/wa"
)

type fakeTransport struct {
	mu          sync.Mutex
	handler     func(wa.Event)
	phone       string
	pairing     string
	connectErr  error
	historyErr  error
	contacts    chan struct{} // ContactNames blocks until closed
	sent        []string
	connects    int
	disconnects int
	logouts     int
	requests    int
}

func (f *fakeTransport) emit(ev wa.Event) { f.handler(ev) }

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	switch {
	case f.pairing != "":
		f.emit(wa.PairingCode{Code: f.pairing})
	case f.phone != "":
		f.emit(wa.Opened{PhoneIdentity: f.phone})
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeTransport) PhoneIdentity() string { return f.phone }

func (f *fakeTransport) SendText(_ context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+text)
	return "PROVIDER-1", nil
}

func (f *fakeTransport) MarkRead(context.Context, string, []store.ReadTarget) error { return nil }

func (f *fakeTransport) DownloadMedia(context.Context, []byte) ([]byte, error) { return nil, nil }

func (f *fakeTransport) ProfilePictureURL(context.Context, string) (string, error) { return "", nil }

func (f *fakeTransport) ResolvePhone(context.Context, string) string { return "" }

func (f *fakeTransport) RequestHistory(context.Context, *store.Message, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return f.historyErr
}

func (f *fakeTransport) ContactNames(ctx context.Context) (map[string]string, error) {
	if f.contacts == nil {
		return nil, nil
	}
	select {
	case <-f.contacts:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) counts() (connects, disconnects, logouts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.logouts
}

type fakeDialer struct {
	mu         sync.Mutex
	phone      string
	pairing    string
	dialErr    error
	historyErr error
	contacts   chan struct{}
	transports []*fakeTransport
}

func (d *fakeDialer) dial(_ context.Context, _, keystorePath string, handler func(wa.Event)) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	// Pairing leaves credentials behind.
	_ = os.WriteFile(keystorePath, []byte("keys"), 0600)
	tr := &fakeTransport{handler: handler, phone: d.phone, pairing: d.pairing, historyErr: d.historyErr, contacts: d.contacts}
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

type testEnv struct {
	m    *Manager
	db   *store.DB
	keys *session.Keystore
	d    *fakeDialer
}

func newTestEnv(t *testing.T, d *fakeDialer, guard time.Duration) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "crm.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	keys := session.NewKeystore(filepath.Join(t.TempDir(), "sessions"))
	m := NewManager(Deps{
		DB:       db,
		Keystore: keys,
		Dial:     d.dial,
		Bus:      b,
		Engine:   intsync.NewEngine(db, b, nil, nil),
		History:  intsync.NewHistory(db, b, nil, zap.NewNop(), guard),
		Contacts: intsync.NewContacts(db, nil, b, zap.NewNop()),
		Sweeper:  intsync.NewSweeper(db, b, zap.NewNop()),
		Logger:   zap.NewNop(),
		Options: Options{
			ReconnectDelay: 10 * time.Millisecond,
			ResumeWait:     300 * time.Millisecond,
			PairingWait:    300 * time.Millisecond,
		},
	})
	t.Cleanup(m.Shutdown)
	return &testEnv{m: m, db: db, keys: keys, d: d}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) stored(t *testing.T, id string) *store.Session {
	t.Helper()
	sess, err := e.db.GetSession(id)
	if err != nil || sess == nil {
		t.Fatalf("GetSession(%q) = %v, %v", id, sess, err)
	}
	return sess
}

func TestCreateReturnsPairingCode(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{pairing: "2@qr-payload"}, time.Second)

	res, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{RetentionDays: 7})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != status.QRCode || res.PairingCode != "2@qr-payload" {
		t.Errorf("result = %+v", res)
	}
	sess := env.stored(t, "alice")
	if sess.Status != string(status.QRCode) || sess.PairingCode != "2@qr-payload" {
		t.Errorf("stored = %+v", sess)
	}
}

func TestCreateOpensConnection(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)

	res, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != status.Connected {
		t.Fatalf("status = %s", res.Status)
	}
	sess := env.stored(t, "alice")
	if sess.PhoneIdentity != "5511999" || sess.PairingCode != "" || sess.LastConnectedAt == 0 {
		t.Errorf("stored = %+v", sess)
	}
	if !env.m.IsLive("alice") || env.m.Registry().Len() != 1 {
		t.Error("expected one live connection")
	}
}

func TestCreateRejectsBadID(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, time.Second)
	if _, err := env.m.CreateOrResumeSession(context.Background(), "Bad ID!", Settings{}); err == nil {
		t.Error("expected validation error")
	}
	if env.d.dials() != 0 {
		t.Error("dialed for an invalid id")
	}
}

func TestReconnectIsBounded(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	if _, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{}); err != nil {
		t.Fatal(err)
	}

	const closes = 5
	for i := 1; i <= closes; i++ {
		env.d.last().emit(wa.Closed{Reason: "stream error"})
		waitFor(t, "resume", func() bool {
			st, _ := env.m.Status("alice")
			return env.d.dials() == i+1 && st == status.Connected
		})
		if n := env.m.Registry().Len(); n > 1 {
			t.Fatalf("registry holds %d connections", n)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := env.d.dials(); got != closes+1 {
		t.Errorf("dials = %d, want %d", got, closes+1)
	}
	for i, tr := range env.d.transports[:closes] {
		if _, disconnects, _ := tr.counts(); disconnects != 1 {
			t.Errorf("transport %d disconnected %d times", i, disconnects)
		}
	}
}

func TestDuplicateCreateTakesOver(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	ctx := context.Background()
	if _, err := env.m.CreateOrResumeSession(ctx, "alice", Settings{}); err != nil {
		t.Fatal(err)
	}
	first := env.d.last()
	if _, err := env.m.CreateOrResumeSession(ctx, "alice", Settings{}); err != nil {
		t.Fatal(err)
	}

	if _, disconnects, _ := first.counts(); disconnects != 1 {
		t.Errorf("replaced transport disconnected %d times", disconnects)
	}
	if env.m.Registry().Len() != 1 {
		t.Errorf("registry len = %d", env.m.Registry().Len())
	}

	// Events of the replaced epoch are ignored.
	first.emit(wa.Closed{Reason: "late close"})
	time.Sleep(60 * time.Millisecond)
	if env.d.dials() != 2 {
		t.Errorf("stale close triggered a resume, dials = %d", env.d.dials())
	}
	if st, _ := env.m.Status("alice"); st != status.Connected {
		t.Errorf("status = %s", st)
	}
}

func TestExplicitLogout(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	if _, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{}); err != nil {
		t.Fatal(err)
	}
	if !env.keys.Exists("alice") {
		t.Fatal("keystore missing after pairing")
	}
	tr := env.d.last()

	if err := env.m.Disconnect(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if _, disconnects, logouts := tr.counts(); logouts != 1 || disconnects != 1 {
		t.Errorf("logouts = %d disconnects = %d", logouts, disconnects)
	}
	sess := env.stored(t, "alice")
	if sess.Status != string(status.Disconnected) || sess.PhoneIdentity != "" {
		t.Errorf("stored = %+v", sess)
	}
	if env.keys.Exists("alice") {
		t.Error("keystore not wiped")
	}
	if env.m.IsLive("alice") {
		t.Error("connection still live")
	}
	time.Sleep(50 * time.Millisecond)
	if env.d.dials() != 1 {
		t.Error("logout must not reconnect")
	}
}

func TestProviderLogout(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	if _, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{}); err != nil {
		t.Fatal(err)
	}
	env.d.last().emit(wa.Closed{LoggedOut: true, Reason: "logged out from phone"})

	waitFor(t, "disconnected", func() bool {
		st, _ := env.m.Status("alice")
		return st == status.Disconnected && !env.m.IsLive("alice")
	})
	if env.keys.Exists("alice") {
		t.Error("keystore not wiped")
	}
	time.Sleep(50 * time.Millisecond)
	if env.d.dials() != 1 {
		t.Error("logged out session reconnected")
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	if err := env.db.SaveSession("alice", store.SessionSettings{}); err != nil {
		t.Fatal(err)
	}

	_, err := env.m.SendMessage(context.Background(), "alice", "5511888@s.whatsapp.net", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	_, err = env.m.SendMessage(context.Background(), "nobody", "5511888@s.whatsapp.net", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("unknown session err = %v", err)
	}
	if env.d.dials() != 0 {
		t.Errorf("provider was called %d times", env.d.dials())
	}
}

func TestSendMessageResumesOnDemand(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	_ = env.db.SaveSession("alice", store.SessionSettings{})
	_ = env.db.UpdateSessionStatus("alice", store.StatusUpdate{Status: string(status.Connected)})

	id, err := env.m.SendMessage(context.Background(), "alice", "5511888@s.whatsapp.net", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if id != "PROVIDER-1" || env.d.dials() != 1 {
		t.Errorf("id = %q dials = %d", id, env.d.dials())
	}
	if sent := env.d.last().sent; len(sent) != 1 || sent[0] != "5511888@s.whatsapp.net:hi" {
		t.Errorf("sent = %v", sent)
	}
}

func TestResumeWaitIsBounded(t *testing.T) {
	// The transport never opens.
	env := newTestEnv(t, &fakeDialer{}, time.Second)
	_ = env.db.SaveSession("alice", store.SessionSettings{})
	_ = env.db.UpdateSessionStatus("alice", store.StatusUpdate{Status: string(status.Connecting)})

	start := time.Now()
	_, err := env.m.SendMessage(context.Background(), "alice", "x@s.whatsapp.net", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("waited %v", elapsed)
	}
}

func TestSetupFailure(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{dialErr: errors.New("keystore locked")}, time.Second)

	res, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Status != status.Error {
		t.Errorf("status = %s", res.Status)
	}
	if env.m.Registry().Len() != 0 {
		t.Error("failed setup left a live connection")
	}
	if _, err := env.m.SendMessage(context.Background(), "alice", "x@s.whatsapp.net", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v", err)
	}
}

func TestIncomingMessageIsStored(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	if _, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{}); err != nil {
		t.Fatal(err)
	}
	msg := &store.Message{SessionID: "alice", ProviderMessageID: "m1", ChatID: "5511888@s.whatsapp.net", Body: "oi", Timestamp: time.Now().UnixMilli()}
	env.d.last().emit(wa.IncomingMessage{Message: msg})
	env.d.last().emit(wa.IncomingMessage{Message: msg})

	waitFor(t, "message stored", func() bool {
		n, _ := env.db.MessageCount("alice")
		return n == 1
	})
}

func TestStuckSyncGuardOnOpen(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, 40*time.Millisecond)
	if _, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{SyncHistory: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sync marked complete", func() bool {
		sess, _ := env.db.GetSession("alice")
		return sess != nil && !sess.IsSyncing && sess.LastHistorySyncAt > 0
	})
}

func TestHistoryBatchRespectsSettings(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	ctx := context.Background()
	if _, err := env.m.CreateOrResumeSession(ctx, "alice", Settings{}); err != nil {
		t.Fatal(err)
	}
	batch := []*store.Message{{SessionID: "alice", ProviderMessageID: "h1", ChatID: "c", Timestamp: time.Now().UnixMilli()}}
	env.d.last().emit(wa.HistoryBatch{Messages: batch, Final: true})
	time.Sleep(50 * time.Millisecond)
	if n, _ := env.db.MessageCount("alice"); n != 0 {
		t.Errorf("history stored with sync disabled: %d", n)
	}

	// An on-demand request applies the next backlog anyway.
	if err := env.m.SyncHistory(ctx, "alice", 30); err != nil {
		t.Fatal(err)
	}
	env.d.last().emit(wa.HistoryBatch{Messages: batch, Final: true})
	waitFor(t, "history stored", func() bool {
		n, _ := env.db.MessageCount("alice")
		return n == 1
	})
}

func TestSyncHistoryRequestFailure(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999", historyErr: errors.New("usync timeout")}, time.Hour)
	ctx := context.Background()
	if _, err := env.m.CreateOrResumeSession(ctx, "alice", Settings{}); err != nil {
		t.Fatal(err)
	}
	if err := env.m.SyncHistory(ctx, "alice", 30); err == nil {
		t.Fatal("expected the request error")
	}
	if sess := env.stored(t, "alice"); sess.IsSyncing || sess.SyncProgress != "" {
		t.Errorf("stored = %+v, want no sync in progress", sess)
	}

	// No window stays armed for the next backlog.
	batch := []*store.Message{{SessionID: "alice", ProviderMessageID: "h1", ChatID: "c", Timestamp: time.Now().UnixMilli()}}
	env.d.last().emit(wa.HistoryBatch{Messages: batch, Final: true})
	time.Sleep(50 * time.Millisecond)
	if n, _ := env.db.MessageCount("alice"); n != 0 {
		t.Errorf("backlog applied after a failed request: %d", n)
	}
}

func TestLogoutDuringHistorySync(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Hour)
	ctx := context.Background()
	if _, err := env.m.CreateOrResumeSession(ctx, "alice", Settings{SyncHistory: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sync started", func() bool {
		return env.stored(t, "alice").IsSyncing
	})

	if err := env.m.Disconnect(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	sess := env.stored(t, "alice")
	if sess.Status != string(status.Disconnected) || sess.IsSyncing || sess.SyncProgress != "" {
		t.Errorf("stored = %+v", sess)
	}
	time.Sleep(50 * time.Millisecond)
	if sess := env.stored(t, "alice"); sess.IsSyncing || sess.LastHistorySyncAt != 0 {
		t.Errorf("after logout stored = %+v", sess)
	}
}

func TestContactSyncHoldsSyncingFlag(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, &fakeDialer{phone: "5511999", contacts: gate}, time.Hour)
	if _, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{SyncContacts: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "contact sync started", func() bool {
		sess := env.stored(t, "alice")
		return sess.IsSyncing && sess.SyncProgress == "syncing contacts"
	})
	time.Sleep(30 * time.Millisecond)
	if !env.stored(t, "alice").IsSyncing {
		t.Fatal("flag cleared before the contact sync ended")
	}

	close(gate)
	waitFor(t, "contact sync finished", func() bool {
		sess := env.stored(t, "alice")
		return !sess.IsSyncing && sess.SyncProgress == "contacts synced: 0" && sess.LastContactSyncAt > 0
	})
}

func TestTakeoverDuringHistorySync(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Hour)
	ctx := context.Background()
	if _, err := env.m.CreateOrResumeSession(ctx, "alice", Settings{SyncHistory: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sync started", func() bool {
		return env.stored(t, "alice").IsSyncing
	})
	if _, err := env.m.CreateOrResumeSession(ctx, "alice", Settings{SyncHistory: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second sync started", func() bool {
		return env.d.dials() == 2 && env.stored(t, "alice").IsSyncing
	})

	// The replaced connection's wait ends but the new sync still runs.
	time.Sleep(50 * time.Millisecond)
	if !env.stored(t, "alice").IsSyncing {
		t.Fatal("replaced connection cleared the new sync")
	}

	batch := []*store.Message{{SessionID: "alice", ProviderMessageID: "h1", ChatID: "c", Timestamp: time.Now().UnixMilli()}}
	env.d.last().emit(wa.HistoryBatch{Messages: batch, Final: true})
	waitFor(t, "sync finished", func() bool {
		sess := env.stored(t, "alice")
		return !sess.IsSyncing && sess.LastHistorySyncAt > 0
	})
}

func TestRestoreClearsStaleSyncing(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	_ = env.db.SaveSession("alice", store.SessionSettings{})
	_ = env.db.SetSyncState("alice", true, "syncing history: 50/200")

	if err := env.m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sess := env.stored(t, "alice"); sess.IsSyncing || sess.SyncProgress != "" {
		t.Errorf("stored = %+v", sess)
	}
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	for _, id := range []string{"alice", "bob", "carol"} {
		_ = env.db.SaveSession(id, store.SessionSettings{})
	}
	_ = env.db.UpdateSessionStatus("alice", store.StatusUpdate{Status: string(status.Connected), PhoneIdentity: "5511999"})
	_ = env.db.UpdateSessionStatus("bob", store.StatusUpdate{Status: string(status.Connected), PhoneIdentity: "5511777"})
	path, _ := env.keys.Ensure("alice")
	_ = os.WriteFile(path, []byte("keys"), 0600)

	if err := env.m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if env.d.dials() != 1 {
		t.Errorf("dials = %d, want 1", env.d.dials())
	}
	waitFor(t, "alice connected", func() bool {
		st, _ := env.m.Status("alice")
		return st == status.Connected
	})
	if sess := env.stored(t, "bob"); sess.Status != string(status.Disconnected) || sess.PhoneIdentity != "" {
		t.Errorf("bob = %+v", sess)
	}
}

func TestShutdownKeepsStoredStatus(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{phone: "5511999"}, time.Second)
	if _, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{}); err != nil {
		t.Fatal(err)
	}
	tr := env.d.last()
	env.m.Shutdown()

	if _, disconnects, _ := tr.counts(); disconnects != 1 {
		t.Errorf("disconnects = %d", disconnects)
	}
	if sess := env.stored(t, "alice"); sess.Status != string(status.Connected) {
		t.Errorf("status = %s", sess.Status)
	}
	if _, err := env.m.CreateOrResumeSession(context.Background(), "alice", Settings{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("err = %v", err)
	}
}

func TestUpdateRetentionSweeps(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, time.Second)
	_ = env.db.SaveSession("alice", store.SessionSettings{})
	old := time.Now().AddDate(0, 0, -10).UnixMilli()
	_, _ = env.db.UpsertMessage(&store.Message{SessionID: "alice", ProviderMessageID: "old", ChatID: "c", Timestamp: old})
	_, _ = env.db.UpsertMessage(&store.Message{SessionID: "alice", ProviderMessageID: "new", ChatID: "c", Timestamp: time.Now().UnixMilli()})

	deleted, err := env.m.UpdateRetention("alice", 3)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d", deleted)
	}
	if sess := env.stored(t, "alice"); sess.RetentionDays != 3 {
		t.Errorf("retention = %d", sess.RetentionDays)
	}
}

func TestRegistryRemoveChecksEpoch(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	r.Put(newLive(ctx, "a", 1, 0))
	if prev := r.Put(newLive(ctx, "a", 2, 0)); prev == nil || prev.Epoch != 1 {
		t.Errorf("prev = %+v", prev)
	}
	if r.Remove("a", 1) {
		t.Error("stale epoch removed the live entry")
	}
	if !r.Remove("a", 2) || r.Len() != 0 {
		t.Error("current epoch not removed")
	}
}
