package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/matheus3301/wppcrm/internal/api"
	"github.com/matheus3301/wppcrm/internal/config"
	"github.com/matheus3301/wppcrm/internal/session"
)

func main() {
	socketFlag := flag.String("socket", "", "daemon socket path (default <data-dir>/crmd.sock)")
	dataDirFlag := flag.String("data-dir", "", "data directory used to locate the socket")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.New(resolveSocket(*socketFlag, *dataDirFlag))
	if err != nil {
		fatalf("cannot connect to daemon: %v", err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := &command{ctx: ctx, c: c, json: *jsonFlag}
	switch args[0] {
	case "connect":
		cmd.connect(args[1:])
	case "disconnect":
		cmd.disconnect(need(args, 1, "disconnect <session>"))
	case "status":
		cmd.status(need(args, 1, "status <session>"))
	case "sessions":
		cmd.sessions()
	case "settings":
		cmd.settings(args[1:])
	case "send":
		a := need(args, 3, "send <session> <to> <text>")
		cmd.send(a[0], a[1], strings.Join(args[3:], " "))
	case "read":
		a := need(args, 2, "read <session> <chat>")
		cmd.read(a[0], a[1])
	case "chats":
		cmd.chats(need(args, 1, "chats <session>")[0])
	case "messages":
		a := need(args, 2, "messages <session> <chat>")
		cmd.messages(a[0], a[1])
	case "search":
		a := need(args, 2, "search <session> <query>")
		cmd.search(a[0], strings.Join(args[2:], " "))
	case "sync-contacts":
		cmd.syncContacts(need(args, 1, "sync-contacts <session>")[0])
	case "sync-history":
		a := need(args, 2, "sync-history <session> <days>")
		cmd.syncHistory(a[0], atoi(a[1]))
	case "clean":
		a := need(args, 2, "clean <session> <days>")
		cmd.clean(a[0], atoi(a[1]))
	case "jobs":
		if len(args) >= 3 && args[1] == "failed" {
			cmd.failedJobs(args[2])
		} else {
			cmd.jobStats()
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: crmctl [--socket <path>] [--data-dir <dir>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  connect <session> [--retention N] [--history] [--contacts] [--autoreply]")
	fmt.Fprintln(os.Stderr, "                                  Create or resume a session, showing the pairing QR")
	fmt.Fprintln(os.Stderr, "  disconnect <session>            Log out and wipe credentials")
	fmt.Fprintln(os.Stderr, "  status <session>                Show session status")
	fmt.Fprintln(os.Stderr, "  sessions                        List sessions")
	fmt.Fprintln(os.Stderr, "  settings <session> [flags]      Update retention and sync settings")
	fmt.Fprintln(os.Stderr, "  send <session> <to> <text>      Queue a text message")
	fmt.Fprintln(os.Stderr, "  read <session> <chat>           Mark a chat as read")
	fmt.Fprintln(os.Stderr, "  chats <session>                 List chats")
	fmt.Fprintln(os.Stderr, "  messages <session> <chat>       List recent messages of a chat")
	fmt.Fprintln(os.Stderr, "  search <session> <query>        Full-text message search")
	fmt.Fprintln(os.Stderr, "  sync-contacts <session>         Sync contact names and avatars")
	fmt.Fprintln(os.Stderr, "  sync-history <session> <days>   Request message history")
	fmt.Fprintln(os.Stderr, "  clean <session> <days>          Delete messages older than days")
	fmt.Fprintln(os.Stderr, "  jobs [failed <queue>]           Show queue stats or failed jobs")
	fmt.Fprintln(os.Stderr, "  watch [session] [prefix]        Stream daemon events")
}

func resolveSocket(socketFlag, dataDirFlag string) string {
	if socketFlag != "" {
		return socketFlag
	}
	if dataDirFlag == "" {
		if cfg, err := config.LoadOrDefault(session.ConfigPath()); err == nil && cfg.SocketPath != "" {
			return cfg.SocketPath
		}
	}
	return session.SocketPath(session.ResolveDataDir(dataDirFlag))
}

type command struct {
	ctx  context.Context
	c    *api.Client
	json bool
}

func (cmd *command) connect(args []string) {
	if len(args) == 0 {
		usagef("connect <session> [--retention N] [--history] [--contacts] [--autoreply]")
	}
	req := &api.ConnectRequest{SessionID: args[0]}
	fs := settingsFlags(&req.RetentionDays, &req.SyncHistory, &req.SyncContacts, &req.AutoReply)
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(1)
	}

	resp, err := cmd.c.Session.Connect(cmd.ctx, req)
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Status: %s\n", resp.Status)
	if resp.PairingCode == "" {
		return
	}
	q, err := qrcode.New(resp.PairingCode, qrcode.Low)
	check(err)
	fmt.Println("Scan this QR code with WhatsApp (Linked devices):")
	fmt.Print(q.ToSmallString(false))
}

func (cmd *command) settings(args []string) {
	if len(args) == 0 {
		usagef("settings <session> [--retention N] [--history] [--contacts] [--autoreply]")
	}
	current, err := cmd.c.Session.Status(cmd.ctx, &api.SessionRequest{SessionID: args[0]})
	check(err)
	s := current.Session
	req := &api.UpdateSettingsRequest{
		SessionID:     args[0],
		RetentionDays: s.RetentionDays,
		SyncHistory:   s.SyncHistoryEnabled,
		SyncContacts:  s.SyncContactsEnabled,
		AutoReply:     s.AutoReplyEnabled,
	}
	fs := settingsFlags(&req.RetentionDays, &req.SyncHistory, &req.SyncContacts, &req.AutoReply)
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(1)
	}
	resp, err := cmd.c.Session.UpdateSettings(cmd.ctx, req)
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Settings updated. %d messages removed by the new retention.\n", resp.Deleted)
}

func settingsFlags(retention *int, history, contacts, autoReply *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("settings", flag.ContinueOnError)
	fs.IntVar(retention, "retention", *retention, "retention window in days")
	fs.BoolVar(history, "history", *history, "sync message history on connect")
	fs.BoolVar(contacts, "contacts", *contacts, "sync contacts on connect")
	fs.BoolVar(autoReply, "autoreply", *autoReply, "answer inbound messages with the AI responder")
	return fs
}

func (cmd *command) disconnect(args []string) {
	_, err := cmd.c.Session.Disconnect(cmd.ctx, &api.SessionRequest{SessionID: args[0]})
	check(err)
	fmt.Printf("Session %s disconnected.\n", args[0])
}

func (cmd *command) status(args []string) {
	resp, err := cmd.c.Session.Status(cmd.ctx, &api.SessionRequest{SessionID: args[0]})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	printSession(resp.Session)
}

func printSession(s api.Session) {
	fmt.Printf("Session:   %s\n", s.ID)
	fmt.Printf("Status:    %s (live: %v)\n", s.Status, s.Live)
	if s.PhoneIdentity != "" {
		fmt.Printf("Phone:     %s\n", s.PhoneIdentity)
	}
	fmt.Printf("Retention: %d days\n", s.RetentionDays)
	fmt.Printf("History:   %v  Contacts: %v  Auto reply: %v\n", s.SyncHistoryEnabled, s.SyncContactsEnabled, s.AutoReplyEnabled)
	if s.IsSyncing {
		fmt.Printf("Syncing:   %s\n", s.SyncProgress)
	}
	fmt.Printf("Messages:  %d in %d chats\n", s.MessageCount, s.ChatCount)
}

func (cmd *command) sessions() {
	resp, err := cmd.c.Session.ListSessions(cmd.ctx, &api.ListSessionsRequest{})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range resp.Sessions {
		live := ""
		if s.Live {
			live = " (live)"
		}
		fmt.Printf("%-20s %s%s\n", s.ID, s.Status, live)
	}
}

func (cmd *command) send(sessionID, to, text string) {
	resp, err := cmd.c.Message.Send(cmd.ctx, &api.SendRequest{SessionID: sessionID, To: to, Text: text})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Queued: %s\n", resp.ClientMsgID)
}

func (cmd *command) read(sessionID, chatID string) {
	_, err := cmd.c.Message.MarkRead(cmd.ctx, &api.MarkReadRequest{SessionID: sessionID, ChatID: chatID})
	check(err)
	fmt.Println("Marked as read.")
}

func (cmd *command) chats(sessionID string) {
	resp, err := cmd.c.Chat.ListChats(cmd.ctx, &api.ListChatsRequest{SessionID: sessionID})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	for _, ch := range resp.Chats {
		name := ch.Name
		if name == "" {
			name = ch.ID
		}
		unread := ""
		if ch.UnreadCount > 0 {
			unread = fmt.Sprintf(" [%d]", ch.UnreadCount)
		}
		fmt.Printf("%-30s %s%s  %s\n", truncate(name, 30), formatTime(ch.LastMessageAtUnixMs), unread, ch.LastMessagePreview)
	}
}

func (cmd *command) messages(sessionID, chatID string) {
	resp, err := cmd.c.Message.ListMessages(cmd.ctx, &api.ListMessagesRequest{SessionID: sessionID, ChatID: chatID})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	// Newest first on the wire; print oldest first.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		printMessage(resp.Messages[i])
	}
}

func printMessage(m api.Message) {
	sender := m.SenderName
	if m.IsFromMe {
		sender = "me"
	} else if sender == "" {
		sender = m.From
	}
	body := m.Body
	if m.MediaKind != "" {
		body = strings.TrimSpace("[" + m.MediaKind + "] " + body)
		if m.MediaURL != "" {
			body += " " + m.MediaURL
		}
	}
	fmt.Printf("%s  %-16s %s\n", formatTime(m.TimestampUnixMs), truncate(sender, 16), body)
}

func (cmd *command) search(sessionID, query string) {
	resp, err := cmd.c.Message.SearchMessages(cmd.ctx, &api.SearchMessagesRequest{SessionID: sessionID, Query: query})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	if len(resp.Results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range resp.Results {
		fmt.Printf("%s  %-30s %s\n", formatTime(r.Message.TimestampUnixMs), truncate(r.Message.ChatID, 30), r.Snippet)
	}
}

func (cmd *command) syncContacts(sessionID string) {
	resp, err := cmd.c.Sync.SyncContacts(cmd.ctx, &api.SessionRequest{SessionID: sessionID})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Synced %d contacts.\n", resp.Synced)
}

func (cmd *command) syncHistory(sessionID string, days int) {
	resp, err := cmd.c.Sync.SyncHistory(cmd.ctx, &api.SyncHistoryRequest{SessionID: sessionID, Days: days})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	fmt.Println("History sync requested.")
}

func (cmd *command) clean(sessionID string, days int) {
	resp, err := cmd.c.Sync.CleanOldMessages(cmd.ctx, &api.CleanRequest{SessionID: sessionID, Days: days})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Deleted %d messages.\n", resp.Deleted)
}

func (cmd *command) jobStats() {
	resp, err := cmd.c.Job.Stats(cmd.ctx, &api.JobStatsRequest{})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("%-20s %8s %8s %8s %10s %8s\n", "QUEUE", "WAITING", "DELAYED", "ACTIVE", "COMPLETED", "FAILED")
	for _, s := range resp.Queues {
		fmt.Printf("%-20s %8d %8d %8d %10d %8d\n", s.Queue, s.Waiting, s.Delayed, s.Active, s.Completed, s.Failed)
	}
}

func (cmd *command) failedJobs(queueName string) {
	resp, err := cmd.c.Job.ListFailed(cmd.ctx, &api.ListFailedRequest{Queue: queueName})
	check(err)
	if cmd.json {
		outputJSON(resp)
		return
	}
	if len(resp.Jobs) == 0 {
		fmt.Println("No failed jobs.")
		return
	}
	for _, j := range resp.Jobs {
		fmt.Printf("%s  %s  attempts %d/%d  %s\n", formatTime(j.FinishedAt), j.ID, j.Attempts, j.MaxAttempts, j.LastError)
	}
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	req := &api.WatchEventsRequest{}
	if len(args) > 0 {
		req.SessionID = args[0]
	}
	if len(args) > 1 {
		req.Prefix = args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := c.Session.WatchEvents(ctx, req)
	check(err)
	for {
		ev, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fatalf("%v", err)
		}
		if jsonOut {
			outputJSON(ev)
			continue
		}
		payload, _ := json.Marshal(ev.Payload)
		fmt.Printf("%s  %-12s %-26s %s\n", formatTime(ev.OccurredAtUnixMs), ev.SessionID, ev.Kind, payload)
	}
}

func need(args []string, n int, usage string) []string {
	if len(args) < n+1 {
		usagef(usage)
	}
	return args[1 : n+1]
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		fatalf("not a number: %q", s)
	}
	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "                "
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func usagef(usage string) {
	fmt.Fprintf(os.Stderr, "usage: crmctl %s\n", usage)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
