package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/objstore"
	"github.com/matheus3301/wppcrm/internal/store"
)

const maxAvatarBytes = 5 << 20

// Candidate is a provider identity that may become a contact.
type Candidate struct {
	Identifier string
	Name       string
}

// ContactSource resolves provider-side details of an identity.
type ContactSource interface {
	ResolvePhone(ctx context.Context, identifier string) string
	ProfilePictureURL(ctx context.Context, identifier string) (string, error)
}

// ContactsDone is the payload of sync.contacts_done events.
type ContactsDone struct {
	Candidates int
	Created    int
}

// Contacts derives CRM contacts from provider identities. Enrichment is
// additive: stored values are never overwritten.
type Contacts struct {
	db     *store.DB
	gw     objstore.Gateway
	bus    *bus.Bus
	logger *zap.Logger
	http   *http.Client
	now    func() time.Time
}

// NewContacts creates a contact synchronizer. gw may be nil, in which case
// avatars are skipped.
func NewContacts(db *store.DB, gw objstore.Gateway, b *bus.Bus, logger *zap.Logger) *Contacts {
	return &Contacts{
		db:     db,
		gw:     gw,
		bus:    b,
		logger: logger,
		http:   &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

// Skip reports whether an identifier can never be a person: groups,
// broadcast lists, status, newsletters and the system account.
func Skip(identifier string) bool {
	if identifier == "" {
		return true
	}
	user, server, ok := strings.Cut(identifier, "@")
	if !ok {
		return true
	}
	switch server {
	case "g.us", "broadcast", "newsletter":
		return true
	}
	return user == "0" || user == "status"
}

// Apply creates or enriches a contact per candidate and returns how many
// were created. Avatar fetches are best-effort.
func (c *Contacts) Apply(ctx context.Context, sessionID string, candidates []Candidate, src ContactSource) (int, error) {
	created := 0
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if Skip(cand.Identifier) {
			continue
		}
		phone := phoneFor(ctx, cand.Identifier, src)

		existing, err := c.db.FindContact(sessionID, cand.Identifier, phone)
		if err != nil {
			return created, fmt.Errorf("find contact: %w", err)
		}
		if existing == nil {
			contact := &store.Contact{
				SessionID:          sessionID,
				Name:               cand.Name,
				Phone:              phone,
				AvatarURL:          c.avatar(ctx, sessionID, cand.Identifier, src),
				ProviderIdentifier: cand.Identifier,
				SyncedFromProvider: true,
			}
			if err := c.db.CreateContact(contact); err != nil {
				return created, fmt.Errorf("create contact: %w", err)
			}
			created++
			continue
		}

		var avatar string
		if existing.AvatarURL == "" {
			avatar = c.avatar(ctx, sessionID, cand.Identifier, src)
		}
		if _, err := c.db.FillContact(existing.ID, cand.Name, avatar, cand.Identifier); err != nil {
			return created, fmt.Errorf("fill contact: %w", err)
		}
	}
	return created, nil
}

// FromMessages runs a bulk sync over every chat seen in the store. names
// holds provider-side names by identifier and takes precedence over push
// names seen in messages.
func (c *Contacts) FromMessages(ctx context.Context, sessionID string, names map[string]string, src ContactSource) (int, error) {
	refs, err := c.db.DistinctChats(sessionID)
	if err != nil {
		return 0, fmt.Errorf("list chats: %w", err)
	}
	candidates := make([]Candidate, 0, len(refs))
	for _, r := range refs {
		name := names[r.ChatID]
		if name == "" {
			name = r.PushName
		}
		candidates = append(candidates, Candidate{Identifier: r.ChatID, Name: name})
	}

	created, err := c.Apply(ctx, sessionID, candidates, src)
	if err != nil {
		return created, err
	}
	if err := c.db.FinishContactSync(sessionID, c.now()); err != nil {
		return created, err
	}
	c.bus.Emit(bus.SyncContactsDone, sessionID, ContactsDone{Candidates: len(candidates), Created: created})
	c.logger.Info("contact sync finished",
		zap.String("session", sessionID),
		zap.Int("candidates", len(candidates)),
		zap.Int("created", created))
	return created, nil
}

// phoneFor derives a phone number from an identifier, following LID
// mappings through src when available.
func phoneFor(ctx context.Context, identifier string, src ContactSource) string {
	if src != nil {
		if phone := src.ResolvePhone(ctx, identifier); phone != "" {
			return phone
		}
	}
	return PhoneFromIdentifier(identifier)
}

// PhoneFromIdentifier returns the phone number of a phone-based identity,
// dropping any device suffix, or empty for every other kind.
func PhoneFromIdentifier(identifier string) string {
	user, server, _ := strings.Cut(identifier, "@")
	if server != "s.whatsapp.net" {
		return ""
	}
	user, _, _ = strings.Cut(user, ":")
	return user
}

// avatar copies the provider profile picture into object storage and
// returns its public URL, or empty on any failure.
func (c *Contacts) avatar(ctx context.Context, sessionID, identifier string, src ContactSource) string {
	if src == nil || c.gw == nil {
		return ""
	}
	log := c.logger.With(zap.String("session", sessionID), zap.String("identifier", identifier))

	url, err := src.ProfilePictureURL(ctx, identifier)
	if err != nil {
		log.Debug("profile picture lookup failed", zap.Error(err))
		return ""
	}
	if url == "" {
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug("avatar download failed", zap.Error(err))
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		log.Debug("avatar download failed", zap.Int("status", resp.StatusCode))
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil || len(data) == 0 {
		return ""
	}

	mt := mimetype.Detect(data)
	user, _, _ := strings.Cut(identifier, "@")
	public, err := c.gw.Upload(ctx, data, path.Join(sessionID, user+mt.Extension()), mt.String(), "avatars")
	if err != nil {
		log.Warn("avatar upload failed", zap.Error(err))
		return ""
	}
	return public
}
