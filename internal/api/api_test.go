package api

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/connection"
	"github.com/matheus3301/wppcrm/internal/queue"
	"github.com/matheus3301/wppcrm/internal/status"
	"github.com/matheus3301/wppcrm/internal/store"
	"github.com/matheus3301/wppcrm/internal/worker"
)

type fakeConns struct {
	states      map[string]status.State
	pairingCode string
	settings    connection.Settings
	historyErr  error
	historyDays int
	markedRead  string
}

func (f *fakeConns) CreateOrResumeSession(_ context.Context, id string, s connection.Settings) (connection.Result, error) {
	f.settings = s
	if f.pairingCode != "" {
		f.states[id] = status.QRCode
		return connection.Result{Status: status.QRCode, PairingCode: f.pairingCode}, nil
	}
	f.states[id] = status.Connected
	return connection.Result{Status: status.Connected}, nil
}

func (f *fakeConns) Disconnect(_ context.Context, id string) error {
	if _, ok := f.states[id]; !ok {
		return connection.ErrUnknownSession
	}
	f.states[id] = status.Disconnected
	return nil
}

func (f *fakeConns) Status(id string) (status.State, error) {
	st, ok := f.states[id]
	if !ok {
		return "", connection.ErrUnknownSession
	}
	return st, nil
}

func (f *fakeConns) IsLive(id string) bool { return f.states[id] == status.Connected }

func (f *fakeConns) UpdateSettings(_ string, s connection.Settings) (int64, error) {
	f.settings = s
	return 3, nil
}

func (f *fakeConns) MarkRead(_ context.Context, _, chatID string) error {
	f.markedRead = chatID
	return nil
}

func (f *fakeConns) GetChats(string, int, int) ([]store.Chat, error) {
	return []store.Chat{{ID: "5511999@s.whatsapp.net", Name: "Jane", UnreadCount: 2}}, nil
}

func (f *fakeConns) SyncContacts(context.Context, string) (int, error) { return 4, nil }

func (f *fakeConns) SyncHistory(_ context.Context, _ string, days int) error {
	f.historyDays = days
	return f.historyErr
}

func (f *fakeConns) CleanOldMessages(string, int) (int64, error) { return 7, nil }

type fakeOutbox struct {
	jobs []worker.OutboundJob
}

func (f *fakeOutbox) OutboundSend(job worker.OutboundJob) (string, error) {
	if job.ClientMsgID == "" {
		job.ClientMsgID = fmt.Sprintf("gen-%d", len(f.jobs)+1)
	}
	f.jobs = append(f.jobs, job)
	return job.ClientMsgID, nil
}

type testEnv struct {
	db     *store.DB
	bus    *bus.Bus
	conns  *fakeConns
	outbox *fakeOutbox
	q      *queue.Service
	client *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "crm.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		db:     db,
		bus:    bus.New(),
		conns:  &fakeConns{states: map[string]status.State{}},
		outbox: &fakeOutbox{},
		q:      queue.NewService(zap.NewNop()),
	}
	t.Cleanup(env.q.Stop)
	if err := env.q.Register(queue.Config{Name: "outbound-send"}, func(context.Context, *queue.Job) error { return nil }); err != nil {
		t.Fatal(err)
	}

	// Unix socket paths are length limited; keep it short.
	sockDir, err := os.MkdirTemp("", "crm")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
	sock := filepath.Join(sockDir, "s.sock")
	lis, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	Register(srv,
		NewSessionService(env.conns, db, env.bus, 30, zap.NewNop()),
		NewMessageService(env.conns, env.outbox, db),
		NewChatService(env.conns),
		NewSyncService(env.conns),
		NewJobService(env.q),
	)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := New(sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	env.client = c
	return env
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Fatalf("code = %v (%v), want %v", got, err, code)
	}
}

func TestConnectReturnsPairingQR(t *testing.T) {
	env := newTestEnv(t)
	env.conns.pairingCode = "2@abc,def,ghi"

	resp, err := env.client.Session.Connect(testCtx(t), &ConnectRequest{SessionID: "s1", SyncHistory: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != string(status.QRCode) || resp.PairingCode != "2@abc,def,ghi" {
		t.Errorf("resp = %+v", resp)
	}
	if !bytes.HasPrefix(resp.PairingQR, []byte("\x89PNG")) {
		t.Errorf("pairing qr is not a PNG (%d bytes)", len(resp.PairingQR))
	}
	if env.conns.settings.RetentionDays != 30 || !env.conns.settings.SyncHistory {
		t.Errorf("settings = %+v, want default retention", env.conns.settings)
	}
}

func TestSendRefusesDisconnectedSession(t *testing.T) {
	env := newTestEnv(t)
	env.conns.states["s1"] = status.Disconnected

	_, err := env.client.Message.Send(testCtx(t), &SendRequest{SessionID: "s1", To: "5511999", Text: "hi"})
	wantCode(t, err, codes.FailedPrecondition)
	if len(env.outbox.jobs) != 0 {
		t.Errorf("queued %d jobs, want 0", len(env.outbox.jobs))
	}

	_, err = env.client.Message.Send(testCtx(t), &SendRequest{SessionID: "nope", To: "5511999", Text: "hi"})
	wantCode(t, err, codes.NotFound)

	_, err = env.client.Message.Send(testCtx(t), &SendRequest{SessionID: "s1", To: "5511999"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestSendQueuesMessage(t *testing.T) {
	env := newTestEnv(t)
	env.conns.states["s1"] = status.Connected

	resp, err := env.client.Message.Send(testCtx(t), &SendRequest{SessionID: "s1", To: "5511999", Text: "hi", ClientMsgID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted || resp.ClientMsgID != "c1" {
		t.Errorf("resp = %+v", resp)
	}
	if len(env.outbox.jobs) != 1 || env.outbox.jobs[0].To != "5511999" {
		t.Errorf("jobs = %+v", env.outbox.jobs)
	}
}

func TestSyncHistoryNotConnected(t *testing.T) {
	env := newTestEnv(t)
	env.conns.historyErr = connection.ErrNotConnected

	_, err := env.client.Sync.SyncHistory(testCtx(t), &SyncHistoryRequest{SessionID: "s1", Days: 7})
	wantCode(t, err, codes.FailedPrecondition)
	if env.conns.historyDays != 7 {
		t.Errorf("days = %d, want 7", env.conns.historyDays)
	}

	_, err = env.client.Sync.SyncHistory(testCtx(t), &SyncHistoryRequest{SessionID: "s1"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestStatusAndListSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)

	_, err := env.client.Session.Status(ctx, &SessionRequest{SessionID: "s1"})
	wantCode(t, err, codes.NotFound)

	if err := env.db.SaveSession("s1", store.SessionSettings{RetentionDays: 14, AutoReplyEnabled: true}); err != nil {
		t.Fatal(err)
	}
	env.conns.states["s1"] = status.Connected
	if _, err := env.db.UpsertMessage(&store.Message{
		SessionID: "s1", ProviderMessageID: "m1", ChatID: "c@s.whatsapp.net",
		Body: "hello", Status: store.StatusReceived, Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := env.client.Session.Status(ctx, &SessionRequest{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	s := resp.Session
	if s.Status != string(status.Connected) || !s.Live || s.RetentionDays != 14 || !s.AutoReplyEnabled || s.MessageCount != 1 {
		t.Errorf("session = %+v", s)
	}

	list, err := env.client.Session.ListSessions(ctx, &ListSessionsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].ID != "s1" {
		t.Errorf("sessions = %+v", list.Sessions)
	}
}

func TestMessagesAndChats(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	now := time.Now().UnixMilli()
	for i, body := range []string{"first", "second", "third"} {
		if _, err := env.db.UpsertMessage(&store.Message{
			SessionID: "s1", ProviderMessageID: fmt.Sprintf("m%d", i), ChatID: "c@s.whatsapp.net",
			Body: body, Status: store.StatusReceived, Timestamp: now - int64(3-i)*1000,
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := env.client.Message.ListMessages(ctx, &ListMessagesRequest{SessionID: "s1", ChatID: "c@s.whatsapp.net", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs.Messages) != 2 || msgs.Messages[0].Body != "third" || !msgs.PageInfo.HasMore {
		t.Errorf("messages = %+v", msgs)
	}

	chats, err := env.client.Chat.ListChats(ctx, &ListChatsRequest{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(chats.Chats) != 1 || chats.Chats[0].Name != "Jane" || chats.Chats[0].UnreadCount != 2 {
		t.Errorf("chats = %+v", chats.Chats)
	}

	if _, err := env.client.Message.MarkRead(ctx, &MarkReadRequest{SessionID: "s1", ChatID: "c@s.whatsapp.net"}); err != nil {
		t.Fatal(err)
	}
	if env.conns.markedRead != "c@s.whatsapp.net" {
		t.Errorf("marked read = %q", env.conns.markedRead)
	}

	_, err = env.client.Message.SearchMessages(ctx, &SearchMessagesRequest{SessionID: "s1", Query: " "})
	wantCode(t, err, codes.InvalidArgument)
}

func TestJobService(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)

	stats, err := env.client.Job.Stats(ctx, &JobStatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Queues) != 1 || stats.Queues[0].Queue != "outbound-send" {
		t.Errorf("stats = %+v", stats.Queues)
	}

	failed, err := env.client.Job.ListFailed(ctx, &ListFailedRequest{Queue: "outbound-send"})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed.Jobs) != 0 {
		t.Errorf("failed = %+v", failed.Jobs)
	}

	_, err = env.client.Job.ListFailed(ctx, &ListFailedRequest{Queue: "missing"})
	wantCode(t, err, codes.NotFound)
}

func TestWatchEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := env.client.Session.WatchEvents(ctx, &WatchEventsRequest{SessionID: "s1", Prefix: "message."})
	if err != nil {
		t.Fatal(err)
	}

	// The subscription is set up asynchronously; publish until one arrives.
	got := make(chan *EventEnvelope, 1)
	go func() {
		e, err := stream.Recv()
		if err == nil {
			got <- e
		}
	}()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case evt := <-got:
			if evt.Kind != bus.MessageSendAck || evt.SessionID != "s1" {
				t.Errorf("event = %+v", evt)
			}
			return
		case <-tick.C:
			env.bus.Emit("session.status_changed", "s1", nil)
			env.bus.Emit(bus.MessageSendAck, "other", nil)
			env.bus.Emit(bus.MessageSendAck, "s1", map[string]string{"ClientMsgID": "c1"})
		case <-ctx.Done():
			t.Fatal("timeout waiting for event")
		}
	}
}
