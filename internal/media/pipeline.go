// Package media moves message attachments from the provider into object
// storage and back-fills their public URLs.
package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/objstore"
	"github.com/matheus3301/wppcrm/internal/store"
)

var (
	// ErrMessageNotFound means the message was deleted (or never stored).
	ErrMessageNotFound = errors.New("message not found")
	// ErrNoMedia means the message carries no downloadable attachment.
	ErrNoMedia = errors.New("message has no media")
)

// Downloader fetches attachment bytes from the provider.
type Downloader interface {
	DownloadMedia(ctx context.Context, ref []byte) ([]byte, error)
}

// Ready is the payload of message.media_ready events.
type Ready struct {
	ProviderMessageID string
	URL               string
}

// Pipeline offloads attachments.
type Pipeline struct {
	db     *store.DB
	gw     objstore.Gateway
	bus    *bus.Bus
	logger *zap.Logger
}

// NewPipeline creates a media pipeline.
func NewPipeline(db *store.DB, gw objstore.Gateway, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{db: db, gw: gw, bus: b, logger: logger}
}

// Offload downloads the attachment of a stored message, uploads it under
// the folder of its kind and records the URL. A message that already has a
// URL is returned as is.
func (p *Pipeline) Offload(ctx context.Context, dl Downloader, sessionID, providerMessageID string) (string, error) {
	msg, err := p.db.GetMessage(sessionID, providerMessageID)
	if err != nil {
		return "", fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return "", ErrMessageNotFound
	}
	if msg.Media.IsNone() {
		return "", ErrNoMedia
	}
	if msg.Media.URL != "" {
		return msg.Media.URL, nil
	}

	ref, err := p.db.MediaRef(sessionID, providerMessageID)
	if err != nil {
		return "", fmt.Errorf("load media ref: %w", err)
	}
	if len(ref) == 0 {
		return "", ErrNoMedia
	}

	data, err := dl.DownloadMedia(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}

	contentType := baseType(msg.Media.MimeType)
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	name := path.Join(sessionID, providerMessageID+Extension(msg.Media, data))

	url, err := p.gw.Upload(ctx, data, name, contentType, msg.Media.Folder())
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	if err := p.db.SetMediaURL(sessionID, providerMessageID, url); err != nil {
		return "", err
	}

	p.logger.Debug("media offloaded",
		zap.String("session", sessionID),
		zap.String("msg_id", providerMessageID),
		zap.String("kind", string(msg.Media.Kind)),
		zap.Int("bytes", len(data)))
	p.bus.Emit(bus.MessageMediaReady, sessionID, Ready{ProviderMessageID: providerMessageID, URL: url})
	return url, nil
}

// Extension picks the file extension for an attachment: the document's own
// file name first, then the declared mime type, then content sniffing.
func Extension(m store.Media, data []byte) string {
	if m.Kind == store.MediaDocument {
		if ext := path.Ext(m.FileName); ext != "" {
			return strings.ToLower(ext)
		}
	}
	if base := baseType(m.MimeType); base != "" {
		if t := mimetype.Lookup(base); t != nil && t.Extension() != "" {
			return t.Extension()
		}
	}
	return mimetype.Detect(data).Extension()
}

// baseType strips parameters such as "; codecs=opus".
func baseType(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	return strings.TrimSpace(base)
}
