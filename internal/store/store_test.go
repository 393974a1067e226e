package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSession(t *testing.T, db *DB, id string) {
	t.Helper()
	if err := db.SaveSession(id, SessionSettings{RetentionDays: 30}); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	db := testDB(t)

	first := &Message{SessionID: "s1", ProviderMessageID: "p1", ChatID: "c@s.whatsapp.net", Body: "original", Timestamp: 1000}
	inserted, err := db.UpsertMessage(first)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first upsert should insert")
	}

	again := &Message{SessionID: "s1", ProviderMessageID: "p1", ChatID: "c@s.whatsapp.net", Body: "changed", Timestamp: 2000}
	inserted, err = db.UpsertMessage(again)
	if err != nil {
		t.Fatalf("redelivery returned error: %v", err)
	}
	if inserted {
		t.Error("redelivery should be a no-op")
	}

	count, _ := db.MessageCount("s1")
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	got, err := db.GetMessage("s1", "p1")
	if err != nil || got == nil {
		t.Fatalf("GetMessage: %v, %v", got, err)
	}
	if got.Body != "original" || got.Timestamp != 1000 {
		t.Errorf("stored row changed: body=%q ts=%d", got.Body, got.Timestamp)
	}

	// Same provider id in another session is a distinct row.
	if ok, _ := db.UpsertMessage(&Message{SessionID: "s2", ProviderMessageID: "p1", ChatID: "c", Timestamp: 1}); !ok {
		t.Error("same provider id in another session should insert")
	}
}

func TestUpsertMessageRequiresProviderID(t *testing.T) {
	db := testDB(t)
	if _, err := db.UpsertMessage(&Message{SessionID: "s1", ChatID: "c", Timestamp: 1}); err == nil {
		t.Error("expected error for empty provider id")
	}
}

func TestUpsertMessagesBatch(t *testing.T) {
	db := testDB(t)
	_, _ = db.UpsertMessage(&Message{SessionID: "s1", ProviderMessageID: "a", ChatID: "c", Timestamp: 1})

	n, err := db.UpsertMessages([]*Message{
		{SessionID: "s1", ProviderMessageID: "a", ChatID: "c", Timestamp: 1},
		{SessionID: "s1", ProviderMessageID: "b", ChatID: "c", Timestamp: 2},
		{SessionID: "s1", ProviderMessageID: "c", ChatID: "c", Timestamp: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}
}

func TestMediaRoundTrip(t *testing.T) {
	db := testDB(t)
	m := &Message{
		SessionID: "s1", ProviderMessageID: "p1", ChatID: "c", Timestamp: 1,
		Media:    Media{Kind: MediaVoiceNote, MimeType: "audio/ogg", DurationSeconds: 12},
		MediaRef: []byte{1, 2, 3},
	}
	if _, err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMediaURL("s1", "p1", "https://cdn/voice-notes/p1.ogg"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("s1", "p1")
	if got.Media.Kind != MediaVoiceNote || got.Media.DurationSeconds != 12 || got.Media.URL == "" {
		t.Errorf("media = %+v", got.Media)
	}
	ref, _ := db.MediaRef("s1", "p1")
	if len(ref) != 3 {
		t.Errorf("media ref = %v", ref)
	}
	if err := db.SetMediaURL("s1", "missing", "x"); err == nil {
		t.Error("SetMediaURL on missing message should fail")
	}
}

func TestOutgoingLifecycle(t *testing.T) {
	db := testDB(t)

	m, err := db.InsertOutgoing(&Message{SessionID: "s1", ClientMsgID: "c1", ChatID: "c", Body: "hi", Timestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusSending || m.ProviderMessageID != "" {
		t.Fatalf("outgoing = %+v", m)
	}

	// Second insert with the same client id returns the existing row.
	again, err := db.InsertOutgoing(&Message{SessionID: "s1", ClientMsgID: "c1", ChatID: "c", Body: "other", Timestamp: 2})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != m.ID || again.Body != "hi" {
		t.Errorf("expected existing row, got %+v", again)
	}

	if err := db.ConfirmSent("s1", "c1", "SRV1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("s1", "SRV1")
	if got == nil || got.Status != StatusSent || got.ClientMsgID != "c1" {
		t.Fatalf("confirmed = %+v", got)
	}

	// Failure after success does not downgrade.
	_ = db.MarkSendFailed("c1")
	got, _ = db.GetMessageByClientID("c1")
	if got.Status != StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestConfirmSentCollapsesEchoedRow(t *testing.T) {
	db := testDB(t)
	if _, err := db.InsertOutgoing(&Message{SessionID: "s1", ClientMsgID: "c1", ChatID: "c", Body: "hi", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	// The provider echoed the send through the live stream first.
	if _, err := db.UpsertMessage(&Message{SessionID: "s1", ProviderMessageID: "SRV1", ChatID: "c", Body: "hi", IsFromMe: true, Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.ConfirmSent("s1", "c1", "SRV1"); err != nil {
		t.Fatal(err)
	}
	count, _ := db.MessageCount("s1")
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestDeleteMessagesBefore(t *testing.T) {
	db := testDB(t)
	for i, ts := range []int64{100, 200, 300} {
		_, _ = db.UpsertMessage(&Message{SessionID: "s1", ProviderMessageID: string(rune('a' + i)), ChatID: "c", Timestamp: ts})
	}
	_, _ = db.UpsertMessage(&Message{SessionID: "s2", ProviderMessageID: "x", ChatID: "c", Timestamp: 100})

	n, err := db.DeleteMessagesBefore("s1", 200)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if c, _ := db.MessageCount("s1"); c != 2 {
		t.Errorf("s1 count = %d, want 2", c)
	}
	if c, _ := db.MessageCount("s2"); c != 1 {
		t.Errorf("s2 untouched count = %d, want 1", c)
	}
}

func TestChatsAndReadState(t *testing.T) {
	db := testDB(t)
	_ = db.CreateContact(&Contact{SessionID: "s1", Name: "Alice", ProviderIdentifier: "alice@s.whatsapp.net"})
	msgs := []*Message{
		{SessionID: "s1", ProviderMessageID: "1", ChatID: "alice@s.whatsapp.net", From: "alice@s.whatsapp.net", Body: "hi", Timestamp: 1000},
		{SessionID: "s1", ProviderMessageID: "2", ChatID: "alice@s.whatsapp.net", From: "alice@s.whatsapp.net", Body: "there", Timestamp: 2000},
		{SessionID: "s1", ProviderMessageID: "3", ChatID: "team@g.us", From: "bob@s.whatsapp.net", Body: "standup", Timestamp: 3000},
	}
	if _, err := db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats("s1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("chats = %d, want 2", len(chats))
	}
	if chats[0].ID != "team@g.us" || !chats[0].IsGroup {
		t.Errorf("first chat = %+v, want group ordered first", chats[0])
	}
	if chats[1].Name != "Alice" || chats[1].UnreadCount != 2 || chats[1].LastMessagePreview != "there" {
		t.Errorf("alice chat = %+v", chats[1])
	}

	targets, _ := db.UnreadInbound("s1", "alice@s.whatsapp.net")
	if len(targets) != 2 {
		t.Errorf("unread targets = %d, want 2", len(targets))
	}
	n, err := db.MarkChatRead("s1", "alice@s.whatsapp.net")
	if err != nil || n != 2 {
		t.Errorf("MarkChatRead = %d, %v", n, err)
	}
	chats, _ = db.ListChats("s1", 0, 0)
	if chats[1].UnreadCount != 0 {
		t.Errorf("unread after mark = %d", chats[1].UnreadCount)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := testDB(t)
	testSession(t, db, "s1")

	s, err := db.GetSession("s1")
	if err != nil || s == nil {
		t.Fatalf("GetSession: %v %v", s, err)
	}
	if s.Status != "DISCONNECTED" || s.RetentionDays != 30 {
		t.Errorf("new session = %+v", s)
	}

	if err := db.UpdateSessionStatus("s1", StatusUpdate{Status: "QR_CODE", PairingCode: "2@abc"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateSessionStatus("s1", StatusUpdate{Status: "CONNECTED", PhoneIdentity: "5511999", Connected: true}); err != nil {
		t.Fatal(err)
	}
	s, _ = db.GetSession("s1")
	if s.PhoneIdentity != "5511999" || s.PairingCode != "" || s.LastConnectedAt == 0 {
		t.Errorf("connected session = %+v", s)
	}

	// Settings update keeps connection fields.
	if err := db.SaveSession("s1", SessionSettings{RetentionDays: 7, SyncHistoryEnabled: true}); err != nil {
		t.Fatal(err)
	}
	s, _ = db.GetSession("s1")
	if s.PhoneIdentity != "5511999" || s.RetentionDays != 7 || !s.SyncHistoryEnabled {
		t.Errorf("after settings = %+v", s)
	}

	if err := db.UpdateSessionStatus("s1", StatusUpdate{Status: "DISCONNECTED", ClearIdentity: true}); err != nil {
		t.Fatal(err)
	}
	s, _ = db.GetSession("s1")
	if s.PhoneIdentity != "" {
		t.Errorf("identity not cleared: %q", s.PhoneIdentity)
	}

	if err := db.UpdateSessionStatus("missing", StatusUpdate{Status: "CONNECTED"}); err == nil {
		t.Error("expected error for missing session")
	}
}

func TestSyncStateAndListByStatus(t *testing.T) {
	db := testDB(t)
	testSession(t, db, "a")
	testSession(t, db, "b")
	_ = db.UpdateSessionStatus("a", StatusUpdate{Status: "CONNECTED"})

	if err := db.SetSyncState("a", true, "starting"); err != nil {
		t.Fatal(err)
	}
	at := time.Now()
	if err := db.FinishHistorySync("a", at, "done"); err != nil {
		t.Fatal(err)
	}
	s, _ := db.GetSession("a")
	if !s.IsSyncing || s.LastHistorySyncAt != at.UnixMilli() || s.SyncProgress != "done" {
		t.Errorf("session = %+v", s)
	}
	if err := db.EndSync("a"); err != nil {
		t.Fatal(err)
	}
	s, _ = db.GetSession("a")
	if s.IsSyncing || s.SyncProgress != "done" {
		t.Errorf("after EndSync: session = %+v", s)
	}

	live, err := db.ListSessions("CONNECTED", "CONNECTING")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].ID != "a" {
		t.Errorf("ListSessions = %+v", live)
	}
	all, _ := db.ListSessions()
	if len(all) != 2 {
		t.Errorf("all sessions = %d, want 2", len(all))
	}
}

func TestResetSyncing(t *testing.T) {
	db := testDB(t)
	testSession(t, db, "a")
	testSession(t, db, "b")
	_ = db.SetSyncState("a", true, "syncing history: 50/120")

	n, err := db.ResetSyncing()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset %d sessions, want 1", n)
	}
	s, _ := db.GetSession("a")
	if s.IsSyncing || s.SyncProgress != "" {
		t.Errorf("session = %+v", s)
	}
}

func TestFillContactIsAdditive(t *testing.T) {
	db := testDB(t)
	c := &Contact{SessionID: "s1", Name: "Jane", Phone: "5511"}
	if err := db.CreateContact(c); err != nil {
		t.Fatal(err)
	}

	found, err := db.FindContact("s1", "5511@s.whatsapp.net", "5511")
	if err != nil || found == nil || found.ID != c.ID {
		t.Fatalf("FindContact by phone = %+v, %v", found, err)
	}

	changed, err := db.FillContact(c.ID, "j.", "https://cdn/avatars/5511.jpg", "5511@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected fill to change avatar")
	}
	got, _ := db.GetContact(c.ID)
	if got.Name != "Jane" {
		t.Errorf("name = %q, want Jane", got.Name)
	}
	if got.AvatarURL == "" || got.ProviderIdentifier != "5511@s.whatsapp.net" {
		t.Errorf("contact = %+v", got)
	}

	changed, _ = db.FillContact(c.ID, "other", "other", "other")
	if changed {
		t.Error("second fill should not change anything")
	}
}

func TestActivityIsIdempotent(t *testing.T) {
	db := testDB(t)
	a := Activity{SessionID: "s1", Kind: "message.inbound", MessageID: "p1", Summary: "hi"}
	first := a
	if ok, err := db.AddActivity(&first); err != nil || !ok {
		t.Fatalf("first AddActivity = %v, %v", ok, err)
	}
	second := a
	if ok, _ := db.AddActivity(&second); ok {
		t.Error("duplicate activity should be ignored")
	}
	list, _ := db.ListActivities("s1", 10)
	if len(list) != 1 {
		t.Errorf("activities = %d, want 1", len(list))
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	_, _ = db.UpsertMessages([]*Message{
		{SessionID: "s1", ProviderMessageID: "1", ChatID: "a", Body: "invoice attached", Timestamp: 1},
		{SessionID: "s1", ProviderMessageID: "2", ChatID: "b", Body: "lunch?", Timestamp: 2},
		{SessionID: "s2", ProviderMessageID: "3", ChatID: "a", Body: "invoice overdue", Timestamp: 3},
	})

	results, err := db.SearchMessages("s1", "invoice", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ProviderMessageID != "1" {
		t.Errorf("results = %+v", results)
	}
}

func TestOldestPerChat(t *testing.T) {
	db := testDB(t)
	for _, m := range []*Message{
		{SessionID: "s1", ProviderMessageID: "a2", ChatID: "a@s.whatsapp.net", Timestamp: 200},
		{SessionID: "s1", ProviderMessageID: "a1", ChatID: "a@s.whatsapp.net", Timestamp: 100},
		{SessionID: "s1", ProviderMessageID: "b1", ChatID: "b@s.whatsapp.net", Timestamp: 300},
		{SessionID: "s2", ProviderMessageID: "x1", ChatID: "a@s.whatsapp.net", Timestamp: 50},
	} {
		if _, err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	oldest, err := db.OldestPerChat("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(oldest) != 2 || oldest[0].ProviderMessageID != "a1" || oldest[1].ProviderMessageID != "b1" {
		t.Errorf("oldest = %+v", oldest)
	}
}
