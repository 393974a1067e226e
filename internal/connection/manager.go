// Package connection owns the long-lived provider connections of every
// session: it drives the status machine, serializes transport events per
// connection and routes them to the store and the synchronizers.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/session"
	"github.com/matheus3301/wppcrm/internal/status"
	"github.com/matheus3301/wppcrm/internal/store"
	intsync "github.com/matheus3301/wppcrm/internal/sync"
	"github.com/matheus3301/wppcrm/internal/wa"
)

var (
	// ErrNotConnected is returned when a session has no live connection and
	// none could be resumed.
	ErrNotConnected = errors.New("session not connected")
	// ErrUnknownSession is returned for ids that were never created.
	ErrUnknownSession = errors.New("unknown session")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("connection manager shut down")
)

// Transport is a provider connection as seen by the manager.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	PhoneIdentity() string
	SendText(ctx context.Context, to, text string) (string, error)
	MarkRead(ctx context.Context, chatID string, targets []store.ReadTarget) error
	DownloadMedia(ctx context.Context, ref []byte) ([]byte, error)
	ProfilePictureURL(ctx context.Context, identifier string) (string, error)
	ResolvePhone(ctx context.Context, identifier string) string
	RequestHistory(ctx context.Context, oldest *store.Message, count int) error
	ContactNames(ctx context.Context) (map[string]string, error)
}

var _ Transport = (*wa.Client)(nil)

// DialFunc opens a transport for a session. Events must be passed to
// handler in provider order.
type DialFunc func(ctx context.Context, sessionID, keystorePath string, handler func(wa.Event)) (Transport, error)

// WhatsApp adapts a whatsmeow dialer.
func WhatsApp(d *wa.Dialer) DialFunc {
	return func(ctx context.Context, sessionID, keystorePath string, handler func(wa.Event)) (Transport, error) {
		c, err := d.Dial(ctx, sessionID, keystorePath, handler)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Settings are the operator-controlled options of a session.
type Settings struct {
	RetentionDays int
	SyncHistory   bool
	SyncContacts  bool
	AutoReply     bool
}

// Result is the outcome of CreateOrResumeSession.
type Result struct {
	Status      status.State
	PairingCode string
}

// Options tunes the manager.
type Options struct {
	ReconnectDelay time.Duration
	// ResumeWait bounds how long an operation waits for a lazily resumed
	// connection.
	ResumeWait time.Duration
	// PairingWait bounds how long CreateOrResumeSession waits for a
	// pairing code or an open connection before returning.
	PairingWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = status.DefaultPolicy.ReconnectDelay
	}
	if o.ResumeWait <= 0 {
		o.ResumeWait = 5 * time.Second
	}
	if o.PairingWait <= 0 {
		o.PairingWait = 3 * time.Second
	}
	return o
}

// Deps are the collaborators of a Manager.
type Deps struct {
	DB       *store.DB
	Keystore *session.Keystore
	Dial     DialFunc
	Bus      *bus.Bus
	Engine   *intsync.Engine
	History  *intsync.History
	Contacts *intsync.Contacts
	Sweeper  *intsync.Sweeper
	Logger   *zap.Logger
	Options  Options
}

// sessionState serializes every transition of one session together with
// the commands it produced.
type sessionState struct {
	mu      sync.Mutex
	machine *status.Machine
	epoch   uint64
	resume  *time.Timer

	// syncing counts the running sync tasks of connection syncEpoch. The
	// stored is_syncing flag is cleared when it drops to zero.
	syncMu    sync.Mutex
	syncEpoch uint64
	syncing   int
}

// Manager drives the connection lifecycle of all sessions.
type Manager struct {
	db       *store.DB
	keys     *session.Keystore
	dial     DialFunc
	bus      *bus.Bus
	engine   *intsync.Engine
	history  *intsync.History
	contacts *intsync.Contacts
	sweeper  *intsync.Sweeper
	logger   *zap.Logger
	opts     Options
	policy   status.Policy
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool
}

// NewManager creates a manager with no live connections.
func NewManager(d Deps) *Manager {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := d.Options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		db:       d.DB,
		keys:     d.Keystore,
		dial:     d.Dial,
		bus:      d.Bus,
		engine:   d.Engine,
		history:  d.History,
		contacts: d.Contacts,
		sweeper:  d.Sweeper,
		logger:   logger,
		opts:     opts,
		policy:   status.Policy{ReconnectDelay: opts.ReconnectDelay},
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionState),
	}
}

// Registry exposes the live connection map.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// state returns the per-session state, loading the machine from the
// stored row on first use.
func (m *Manager) state(id string) (*sessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	if st, ok := m.sessions[id]; ok {
		return st, nil
	}
	sess, err := m.db.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrUnknownSession
	}
	st := &sessionState{
		machine: status.NewMachine(id, status.Snapshot{
			State:         status.ParseState(sess.Status),
			PhoneIdentity: sess.PhoneIdentity,
			PairingCode:   sess.PairingCode,
			RetentionDays: sess.RetentionDays,
			SyncHistory:   sess.SyncHistoryEnabled,
			SyncContacts:  sess.SyncContactsEnabled,
		}, m.policy, m.bus),
	}
	m.sessions[id] = st
	return st, nil
}

// CreateOrResumeSession saves the settings and opens a connection. An
// existing live connection of the same id is torn down and replaced. The
// call returns once a pairing code is available, the connection is open,
// or PairingWait elapsed.
func (m *Manager) CreateOrResumeSession(ctx context.Context, id string, s Settings) (Result, error) {
	if err := session.ValidateName(id); err != nil {
		return Result{}, err
	}
	if err := m.db.SaveSession(id, store.SessionSettings{
		RetentionDays:       s.RetentionDays,
		SyncContactsEnabled: s.SyncContacts,
		SyncHistoryEnabled:  s.SyncHistory,
		AutoReplyEnabled:    s.AutoReply,
	}); err != nil {
		return Result{}, fmt.Errorf("save session: %w", err)
	}
	st, err := m.state(id)
	if err != nil {
		return Result{}, err
	}
	st.machine.Configure(s.RetentionDays, s.SyncHistory, s.SyncContacts)

	events, unsub := m.bus.Subscribe("session.", 16)
	defer unsub()

	st.mu.Lock()
	err = m.connectLocked(ctx, id, st)
	st.mu.Unlock()
	if err != nil {
		snap := st.machine.Snapshot()
		return Result{Status: snap.State}, err
	}

	snap := m.await(ctx, st, events, m.opts.PairingWait, func(s status.State) bool {
		return s != status.Connecting
	})
	return Result{Status: snap.State, PairingCode: snap.PairingCode}, nil
}

// connectLocked tears down any live connection of the session, bumps the
// epoch and dials a new transport. st.mu must be held.
func (m *Manager) connectLocked(ctx context.Context, id string, st *sessionState) error {
	if m.ctx.Err() != nil {
		return ErrShutdown
	}
	if st.resume != nil {
		st.resume.Stop()
		st.resume = nil
	}
	st.epoch++
	if prev, ok := m.registry.Get(id); ok {
		m.logger.Info("replacing live connection", zap.String("session", id), zap.Uint64("epoch", prev.Epoch))
		m.drop(prev)
		m.stopSync(id, st, false)
	}

	m.applyLocked(id, st, nil, status.Create{})

	path, err := m.keys.Ensure(id)
	if err != nil {
		m.applyLocked(id, st, nil, status.SetupFailed{Err: err})
		return err
	}

	l := newLive(m.ctx, id, st.epoch, st.machine.Snapshot().RetentionDays)
	tr, err := m.dial(ctx, id, path, l.deliver)
	if err != nil {
		l.cancel()
		m.applyLocked(id, st, nil, status.SetupFailed{Err: err})
		return fmt.Errorf("dial: %w", err)
	}
	l.Transport = tr
	m.registry.Put(l)

	m.wg.Add(1)
	go m.run(id, st, l)

	if err := tr.Connect(ctx); err != nil {
		m.applyLocked(id, st, l, status.SetupFailed{Err: err})
		return err
	}
	m.logger.Info("connection started", zap.String("session", id), zap.Uint64("epoch", l.Epoch))
	return nil
}

// drop removes a live connection and closes its transport.
func (m *Manager) drop(l *Live) {
	m.registry.Remove(l.SessionID, l.Epoch)
	l.cancel()
	if l.Transport != nil {
		l.Transport.Disconnect()
	}
}

// run is the actor of one live connection: transport events are handled
// one at a time in delivery order until the epoch ends.
func (m *Manager) run(id string, st *sessionState, l *Live) {
	defer m.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev := <-l.events:
			st.mu.Lock()
			if l.ctx.Err() == nil && l.Epoch == st.epoch {
				m.handle(id, st, l, ev)
			}
			st.mu.Unlock()
		}
	}
}

func (m *Manager) handle(id string, st *sessionState, l *Live, ev wa.Event) {
	log := m.logger.With(zap.String("session", id))

	switch e := ev.(type) {
	case wa.PairingCode:
		m.applyLocked(id, st, l, status.PairingRequested{Code: e.Code})
	case wa.Opened:
		m.applyLocked(id, st, l, status.Opened{PhoneIdentity: e.PhoneIdentity})
	case wa.Closed:
		m.applyLocked(id, st, l, status.Closed{LoggedOut: e.LoggedOut, Reason: e.Reason})
	case wa.Failed:
		log.Warn("connection failed", zap.Error(e.Err))
		m.applyLocked(id, st, l, status.SetupFailed{Err: e.Err})

	case wa.IncomingMessage:
		if _, err := m.engine.IngestMessage(e.Message); err != nil {
			log.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", e.Message.ProviderMessageID))
		}

	case wa.HistoryBatch:
		snap := st.machine.Snapshot()
		if snap.SyncHistory || m.history.Requested(id) {
			if _, err := m.history.Apply(l.ctx, id, l.RetentionDays, e.Messages, e.Final); err != nil {
				log.Error("failed to apply history batch", zap.Error(err))
			}
		}
		if snap.SyncContacts && len(e.Contacts) > 0 {
			m.syncCandidates(l, candidates(e.Contacts))
		}

	case wa.ContactUpdated:
		if st.machine.Snapshot().SyncContacts {
			m.syncCandidates(l, candidates([]wa.ContactInfo{e.Contact}))
		}
	}
}

func candidates(infos []wa.ContactInfo) []intsync.Candidate {
	out := make([]intsync.Candidate, 0, len(infos))
	for _, c := range infos {
		out = append(out, intsync.Candidate{Identifier: c.Identifier, Name: c.Name})
	}
	return out
}

func (m *Manager) syncCandidates(l *Live, cands []intsync.Candidate) {
	m.background(l, func(ctx context.Context) {
		if _, err := m.contacts.Apply(ctx, l.SessionID, cands, l.Transport); err != nil && ctx.Err() == nil {
			m.logger.Warn("incremental contact sync failed", zap.String("session", l.SessionID), zap.Error(err))
		}
	})
}

// background runs fn bound to the epoch of l.
func (m *Manager) background(l *Live, fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(l.ctx)
	}()
}

// applyLocked feeds ev to the session's machine and executes the
// resulting commands. l is the connection the event belongs to, or nil.
func (m *Manager) applyLocked(id string, st *sessionState, l *Live, ev status.Event) {
	cmds, err := st.machine.Apply(ev)
	if err != nil {
		m.logger.Warn("ignored transition", zap.String("session", id), zap.Error(err))
		return
	}
	for _, cmd := range cmds {
		m.exec(id, st, l, cmd)
	}
}

func (m *Manager) exec(id string, st *sessionState, l *Live, cmd status.Command) {
	log := m.logger.With(zap.String("session", id))

	switch c := cmd.(type) {
	case status.PersistStatus:
		if err := m.db.UpdateSessionStatus(id, store.StatusUpdate{
			Status:        string(c.State),
			PhoneIdentity: c.PhoneIdentity,
			PairingCode:   c.PairingCode,
			ClearIdentity: c.ClearIdentity,
			Connected:     c.Connected,
		}); err != nil {
			log.Error("failed to persist status", zap.String("status", string(c.State)), zap.Error(err))
		}

	case status.EmitPairingCode:
		m.bus.Emit(bus.SessionPairingCode, id, c.Code)

	case status.SweepRetention:
		if _, err := m.sweeper.Sweep(id, c.Days); err != nil {
			log.Error("retention sweep failed", zap.Error(err))
		}

	case status.StartSync:
		if l == nil {
			return
		}
		var tasks []func(ctx context.Context) string
		text := "syncing contacts"
		if c.History {
			text = "awaiting history"
			m.history.Begin(id)
			tasks = append(tasks, func(ctx context.Context) string {
				m.history.Await(ctx, id)
				return ""
			})
		}
		if c.Contacts {
			tasks = append(tasks, func(ctx context.Context) string {
				names, err := l.Transport.ContactNames(ctx)
				if err != nil {
					log.Warn("failed to load provider contacts", zap.Error(err))
				}
				n, err := m.contacts.FromMessages(ctx, id, names, l.Transport)
				if err != nil {
					if ctx.Err() == nil {
						log.Error("contact sync failed", zap.Error(err))
					}
					return "contact sync failed"
				}
				return fmt.Sprintf("contacts synced: %d", n)
			})
		}
		if len(tasks) > 0 {
			m.reserveSync(st, l, len(tasks), text)
			for _, task := range tasks {
				m.background(l, func(ctx context.Context) {
					res := task(ctx)
					m.endSync(st, l, res, ctx.Err() != nil)
				})
			}
		}

	case status.DropConnection:
		if l != nil {
			m.drop(l)
		}
		m.stopSync(id, st, false)

	case status.WipeKeystore:
		m.history.Cancel(id)
		m.stopSync(id, st, true)
		if err := m.keys.Wipe(id); err != nil {
			log.Error("failed to wipe keystore", zap.Error(err))
		}
		m.bus.Emit(bus.SessionLoggedOut, id, nil)
		log.Info("session logged out, credentials wiped")

	case status.ScheduleResume:
		epoch := st.epoch
		log.Info("scheduling reconnect", zap.Duration("after", c.After))
		st.resume = time.AfterFunc(c.After, func() { m.resume(id, st, epoch) })
	}
}

// reserveSync marks the session syncing for n tasks of connection l.
func (m *Manager) reserveSync(st *sessionState, l *Live, n int, text string) {
	st.syncMu.Lock()
	defer st.syncMu.Unlock()
	if st.syncEpoch != l.Epoch {
		st.syncEpoch = l.Epoch
		st.syncing = 0
	}
	st.syncing += n
	if err := m.db.SetSyncState(l.SessionID, true, text); err != nil {
		m.logger.Error("failed to mark session syncing", zap.String("session", l.SessionID), zap.Error(err))
	}
}

// endSync retires one sync task of connection l. The last task clears the
// flag: text replaces the progress string when set, and an interrupted
// sync leaves no progress behind.
func (m *Manager) endSync(st *sessionState, l *Live, text string, interrupted bool) {
	st.syncMu.Lock()
	defer st.syncMu.Unlock()
	if st.syncEpoch != l.Epoch || st.syncing <= 0 {
		return
	}
	st.syncing--
	if st.syncing > 0 {
		return
	}
	var err error
	switch {
	case interrupted:
		err = m.db.SetSyncState(l.SessionID, false, "")
	case text != "":
		err = m.db.SetSyncState(l.SessionID, false, text)
	default:
		err = m.db.EndSync(l.SessionID)
	}
	if err != nil {
		m.logger.Error("failed to clear syncing flag", zap.String("session", l.SessionID), zap.Error(err))
	}
}

// stopSync abandons the running sync tasks of the session. Tasks that
// finish later no longer count. force clears the stored flag even when no
// task was counted.
func (m *Manager) stopSync(id string, st *sessionState, force bool) {
	st.syncMu.Lock()
	defer st.syncMu.Unlock()
	if st.syncing == 0 && !force {
		return
	}
	st.syncing = 0
	st.syncEpoch = 0
	if err := m.db.SetSyncState(id, false, ""); err != nil {
		m.logger.Error("failed to clear syncing flag", zap.String("session", id), zap.Error(err))
	}
}

// resume rebuilds a dropped connection unless a newer epoch took over.
func (m *Manager) resume(id string, st *sessionState, epoch uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.epoch != epoch || m.ctx.Err() != nil {
		return
	}
	st.resume = nil
	if err := m.connectLocked(m.ctx, id, st); err != nil {
		m.logger.Warn("reconnect failed", zap.String("session", id), zap.Error(err))
	}
}

// await blocks until done reports true for the current state, d elapses
// or ctx ends, and returns the last snapshot.
func (m *Manager) await(ctx context.Context, st *sessionState, events <-chan bus.Event, d time.Duration, done func(status.State) bool) status.Snapshot {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		snap := st.machine.Snapshot()
		if done(snap.State) {
			return snap
		}
		select {
		case <-events:
		case <-timer.C:
			return st.machine.Snapshot()
		case <-ctx.Done():
			return st.machine.Snapshot()
		}
	}
}

// live returns an open connection, resuming it on demand when the stored
// status says it should be up. Sessions that are not meant to be connected
// fail fast with ErrNotConnected and never reach the provider.
func (m *Manager) live(ctx context.Context, id string) (*Live, error) {
	st, err := m.state(id)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
		}
		return nil, err
	}
	if l, ok := m.registry.Get(id); ok && st.machine.Current() == status.Connected {
		return l, nil
	}
	switch st.machine.Current() {
	case status.Connected, status.Connecting, status.QRCode:
	default:
		return nil, ErrNotConnected
	}

	events, unsub := m.bus.Subscribe("session.", 16)
	defer unsub()

	if _, ok := m.registry.Get(id); !ok {
		st.mu.Lock()
		if _, ok := m.registry.Get(id); !ok {
			m.logger.Info("resuming session on demand", zap.String("session", id))
			err = m.connectLocked(ctx, id, st)
		}
		st.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}

	snap := m.await(ctx, st, events, m.opts.ResumeWait, func(s status.State) bool {
		return s == status.Connected || s == status.Disconnected || s == status.Error
	})
	if snap.State != status.Connected {
		return nil, ErrNotConnected
	}
	l, ok := m.registry.Get(id)
	if !ok {
		return nil, ErrNotConnected
	}
	return l, nil
}

// IsLive reports whether the session has a connection in the registry.
func (m *Manager) IsLive(id string) bool {
	_, ok := m.registry.Get(id)
	return ok
}

// Status returns the current state of a session.
func (m *Manager) Status(id string) (status.State, error) {
	st, err := m.state(id)
	if err != nil {
		return "", err
	}
	return st.machine.Current(), nil
}

// SendMessage sends a text message and returns the provider message id.
func (m *Manager) SendMessage(ctx context.Context, id, to, text string) (string, error) {
	l, err := m.live(ctx, id)
	if err != nil {
		return "", err
	}
	return l.Transport.SendText(ctx, to, text)
}

// Disconnect logs the session out: credentials are invalidated on the
// provider, wiped locally, and the session ends DISCONNECTED.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.resume != nil {
		st.resume.Stop()
		st.resume = nil
	}
	l, ok := m.registry.Get(id)
	if ok {
		if err := l.Transport.Logout(ctx); err != nil {
			m.logger.Warn("provider logout failed", zap.String("session", id), zap.Error(err))
		}
	} else {
		l = nil
	}
	st.epoch++

	if st.machine.Current() == status.Disconnected {
		m.history.Cancel(id)
		m.stopSync(id, st, true)
		return m.keys.Wipe(id)
	}
	m.applyLocked(id, st, l, status.Closed{LoggedOut: true, Reason: "logout requested"})
	return nil
}

// MarkRead marks every inbound message of a chat as read and sends read
// receipts when the session is connected.
func (m *Manager) MarkRead(ctx context.Context, id, chatID string) error {
	targets, err := m.db.UnreadInbound(id, chatID)
	if err != nil {
		return fmt.Errorf("load unread: %w", err)
	}
	if _, err := m.db.MarkChatRead(id, chatID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}
	l, ok := m.registry.Get(id)
	if !ok {
		return nil
	}
	return l.Transport.MarkRead(ctx, chatID, targets)
}

// GetChats lists the conversations of a session.
func (m *Manager) GetChats(id string, limit, offset int) ([]store.Chat, error) {
	return m.db.ListChats(id, limit, offset)
}

// SyncContacts runs a bulk contact sync. Without a live connection no
// avatars are fetched and LIDs stay unresolved.
func (m *Manager) SyncContacts(ctx context.Context, id string) (int, error) {
	if _, err := m.state(id); err != nil {
		return 0, err
	}
	var names map[string]string
	var src intsync.ContactSource
	if l, ok := m.registry.Get(id); ok {
		src = l.Transport
		var err error
		if names, err = l.Transport.ContactNames(ctx); err != nil {
			m.logger.Warn("failed to load provider contacts", zap.String("session", id), zap.Error(err))
		}
	}
	return m.contacts.FromMessages(ctx, id, names, src)
}

// SyncHistory asks the provider for the last days of history. Batches are
// applied by the connection's actor as they arrive.
func (m *Manager) SyncHistory(ctx context.Context, id string, days int) error {
	l, err := m.live(ctx, id)
	if err != nil {
		return err
	}
	st, err := m.state(id)
	if err != nil {
		return err
	}
	m.reserveSync(st, l, 1, "requesting history")
	if err := m.history.Request(ctx, id, days, l.Transport); err != nil {
		m.endSync(st, l, "", true)
		return fmt.Errorf("request history: %w", err)
	}
	m.background(l, func(ctx context.Context) {
		m.history.Await(ctx, id)
		m.endSync(st, l, "", ctx.Err() != nil)
	})
	return nil
}

// CleanOldMessages deletes messages older than days.
func (m *Manager) CleanOldMessages(id string, days int) (int64, error) {
	return m.sweeper.Sweep(id, days)
}

// UpdateRetention changes the retention window and sweeps right away.
func (m *Manager) UpdateRetention(id string, days int) (int64, error) {
	st, err := m.state(id)
	if err != nil {
		return 0, err
	}
	if err := m.db.SetRetentionDays(id, days); err != nil {
		return 0, fmt.Errorf("save retention: %w", err)
	}
	st.mu.Lock()
	snap := st.machine.Snapshot()
	st.machine.Configure(days, snap.SyncHistory, snap.SyncContacts)
	if l, ok := m.registry.Get(id); ok {
		l.RetentionDays = days
	}
	st.mu.Unlock()
	return m.sweeper.Sweep(id, days)
}

// UpdateSettings saves new settings without reconnecting. A changed
// retention window is swept right away.
func (m *Manager) UpdateSettings(id string, s Settings) (int64, error) {
	st, err := m.state(id)
	if err != nil {
		return 0, err
	}
	if err := m.db.SaveSession(id, store.SessionSettings{
		RetentionDays:       s.RetentionDays,
		SyncContactsEnabled: s.SyncContacts,
		SyncHistoryEnabled:  s.SyncHistory,
		AutoReplyEnabled:    s.AutoReply,
	}); err != nil {
		return 0, fmt.Errorf("save session: %w", err)
	}
	st.mu.Lock()
	st.machine.Configure(s.RetentionDays, s.SyncHistory, s.SyncContacts)
	if l, ok := m.registry.Get(id); ok {
		l.RetentionDays = s.RetentionDays
	}
	st.mu.Unlock()
	return m.sweeper.Sweep(id, s.RetentionDays)
}

// MediaSource lends the live transport of a session to a media job.
func (m *Manager) MediaSource(ctx context.Context, id string) (Transport, error) {
	l, err := m.live(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.Transport, nil
}

// Restore rebuilds the connections of sessions persisted as CONNECTED or
// CONNECTING. Sessions whose credentials are gone end DISCONNECTED. Stale
// syncing flags are cleared first.
func (m *Manager) Restore(ctx context.Context) error {
	if n, err := m.db.ResetSyncing(); err != nil {
		m.logger.Warn("failed to reset syncing flags", zap.Error(err))
	} else if n > 0 {
		m.logger.Info("cleared stale syncing flags", zap.Int64("sessions", n))
	}
	sessions, err := m.db.ListSessions(string(status.Connected), string(status.Connecting))
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range sessions {
		log := m.logger.With(zap.String("session", sess.ID))
		if !m.keys.Exists(sess.ID) {
			log.Warn("no credentials for persisted session, marking disconnected")
			if err := m.db.UpdateSessionStatus(sess.ID, store.StatusUpdate{
				Status:        string(status.Disconnected),
				ClearIdentity: true,
			}); err != nil {
				log.Error("failed to persist status", zap.Error(err))
			}
			continue
		}
		st, err := m.state(sess.ID)
		if err != nil {
			return err
		}
		st.mu.Lock()
		err = m.connectLocked(ctx, sess.ID, st)
		st.mu.Unlock()
		if err != nil {
			log.Warn("failed to restore session", zap.Error(err))
			continue
		}
		log.Info("session restored")
	}
	return nil
}

// Shutdown closes every live connection without changing stored
// statuses, so Restore picks them up on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	states := make([]*sessionState, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.resume != nil {
			st.resume.Stop()
			st.resume = nil
		}
		st.mu.Unlock()
	}
	m.cancel()
	for _, l := range m.registry.drain() {
		if l.Transport != nil {
			l.Transport.Disconnect()
		}
	}
	m.wg.Wait()
	m.logger.Info("connection manager stopped")
}
