package wa

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wppcrm/internal/store"
)

// parseMessage normalizes a whatsmeow message into a store row. Returns nil
// for messages with neither text nor media (reactions, protocol messages).
func parseMessage(sessionID, self string, info types.MessageInfo, msg *waE2E.Message) *store.Message {
	msg = unwrap(msg)
	if msg == nil || info.ID == "" {
		return nil
	}
	media, ref := extractMedia(msg)
	body := extractTextBody(msg)
	if body == "" && media.IsNone() {
		return nil
	}

	chat := info.Chat.ToNonAD().String()
	m := &store.Message{
		SessionID:         sessionID,
		ProviderMessageID: info.ID,
		ChatID:            chat,
		SenderName:        info.PushName,
		Body:              body,
		Media:             media,
		MediaRef:          ref,
		IsFromMe:          info.IsFromMe,
		Status:            store.StatusReceived,
		Timestamp:         info.Timestamp.UnixMilli(),
	}
	if info.IsFromMe {
		m.From = self
		m.To = chat
		m.IsRead = true
		m.Status = store.StatusSent
	} else {
		m.From = info.Sender.ToNonAD().String()
		m.To = self
	}
	return m
}

// parseHistory converts a history payload. History messages are stored as
// read; the unread state only tracks live traffic.
func parseHistory(sessionID, self string, data *waHistorySync.HistorySync) HistoryBatch {
	var batch HistoryBatch
	for _, conv := range data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		if name := conv.GetName(); name != "" {
			batch.Contacts = append(batch.Contacts, ContactInfo{Identifier: chat.ToNonAD().String(), Name: name})
		}
		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			key := wmsg.GetKey()
			info := types.MessageInfo{
				MessageSource: types.MessageSource{
					Chat:     chat,
					Sender:   chat,
					IsFromMe: key.GetFromMe(),
					IsGroup:  chat.Server == types.GroupServer,
				},
				ID:        key.GetID(),
				PushName:  wmsg.GetPushName(),
				Timestamp: time.Unix(int64(wmsg.GetMessageTimestamp()), 0),
			}
			participant := key.GetParticipant()
			if participant == "" {
				participant = wmsg.GetParticipant()
			}
			if participant != "" {
				if sender, err := types.ParseJID(participant); err == nil {
					info.Sender = sender
				}
			}
			if m := parseMessage(sessionID, self, info, wmsg.GetMessage()); m != nil {
				m.IsRead = true
				batch.Messages = append(batch.Messages, m)
			}
		}
	}
	for _, pn := range data.GetPushnames() {
		if pn.GetID() == "" || pn.GetPushname() == "" {
			continue
		}
		batch.Contacts = append(batch.Contacts, ContactInfo{Identifier: pn.GetID(), Name: pn.GetPushname()})
	}
	batch.Final = data.GetProgress() >= 100 || data.GetSyncType() == waHistorySync.HistorySync_ON_DEMAND
	return batch
}

// unwrap strips ephemeral, view-once and captioned-document envelopes.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for i := 0; i < 3 && msg != nil; i++ {
		switch {
		case msg.GetEphemeralMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

// extractMedia returns the media variant and the serialized media node that
// DownloadMedia later needs.
func extractMedia(msg *waE2E.Message) (store.Media, []byte) {
	if msg == nil {
		return store.Media{}, nil
	}
	var (
		media store.Media
		node  *waE2E.Message
	)
	switch {
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		media = store.Media{Kind: store.MediaImage, MimeType: img.GetMimetype()}
		node = &waE2E.Message{ImageMessage: img}
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		media = store.Media{Kind: store.MediaVideo, MimeType: vid.GetMimetype(), DurationSeconds: vid.GetSeconds()}
		node = &waE2E.Message{VideoMessage: vid}
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		kind := store.MediaAudio
		if aud.GetPTT() {
			kind = store.MediaVoiceNote
		}
		media = store.Media{Kind: kind, MimeType: aud.GetMimetype(), DurationSeconds: aud.GetSeconds()}
		node = &waE2E.Message{AudioMessage: aud}
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		media = store.Media{Kind: store.MediaDocument, MimeType: doc.GetMimetype(), FileName: doc.GetFileName()}
		node = &waE2E.Message{DocumentMessage: doc}
	case msg.GetStickerMessage() != nil:
		st := msg.GetStickerMessage()
		media = store.Media{Kind: store.MediaSticker, MimeType: st.GetMimetype()}
		node = &waE2E.Message{StickerMessage: st}
	default:
		return store.Media{}, nil
	}
	ref, err := proto.Marshal(node)
	if err != nil {
		return media, nil
	}
	return media, ref
}
