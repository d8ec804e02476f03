// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/aiku/wabot/pkg/bot"
)

// session is a bot.Session backed by a whatsmeow client.
type session struct {
	log       zerolog.Logger
	transport *Transport
	client    *whatsmeow.Client
	sink      bot.EventSink

	closeOnce sync.Once
}

var _ bot.Session = (*session)(nil)

// Connect connects the client. Unpaired devices print a QR code for linking
// until pairing succeeds or ctx is done.
func (s *session) Connect(ctx context.Context) error {
	s.sink.ConnectionUpdate(bot.ConnectionUpdate{State: bot.StateConnecting})
	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		go s.printQRCodes(qrChan)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (s *session) printQRCodes(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			qr, err := qrcode.New(item.Code, qrcode.Low)
			if err != nil {
				s.log.Err(err).Msg("Failed to render pairing QR code")
				continue
			}
			s.log.Info().Dur("timeout", item.Timeout).Msg("Scan the QR code below with WhatsApp to link the bot")
			_, _ = io.WriteString(s.transport.cfg.QROutput, qr.ToSmallString(false))
		case whatsmeow.QRChannelEventError:
			s.log.Err(item.Error).Msg("Pairing failed")
		default:
			s.log.Info().Str("event", item.Event).Msg("Pairing finished")
		}
	}
}

func (s *session) OwnID() bot.UserID {
	if id := s.client.Store.ID; id != nil {
		return bot.UserID(id.ToNonAD().String())
	}
	return ""
}

func (s *session) Close() {
	s.closeOnce.Do(s.client.Disconnect)
}

func (s *session) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.sink.ConnectionUpdate(bot.ConnectionUpdate{State: bot.StateOpen})
	case *events.PairSuccess:
		s.log.Info().Str("device", evt.ID.String()).Str("platform", evt.Platform).Msg("Paired new device")
		s.sink.CredentialsChanged(pairedCredentials(evt.ID, evt.Platform, evt.BusinessName))
	case *events.LoggedOut:
		s.sink.ConnectionUpdate(bot.ConnectionUpdate{State: bot.StateClosed, Reason: bot.DisconnectReason{
			LoggedOut: true,
			Code:      int(evt.Reason),
			Message:   "logged out: " + evt.Reason.String(),
		}})
	case *events.Disconnected:
		s.sink.ConnectionUpdate(bot.ConnectionUpdate{State: bot.StateClosed, Reason: bot.DisconnectReason{
			Message: "connection lost",
		}})
	case *events.StreamReplaced:
		s.sink.ConnectionUpdate(bot.ConnectionUpdate{State: bot.StateClosed, Reason: bot.DisconnectReason{
			Message: "stream replaced by another connection",
		}})
	case *events.KeepAliveTimeout:
		s.log.Warn().Int("error_count", evt.ErrorCount).Time("last_success", evt.LastSuccess).Msg("Keepalive timeout")
		// Auto-reconnect is off, so whatsmeow won't drop a dead socket itself.
		if keepAliveExpired(evt, time.Now()) {
			s.sink.ConnectionUpdate(bot.ConnectionUpdate{State: bot.StateClosed, Reason: bot.DisconnectReason{
				Message: "keepalive timeout",
			}})
		}
	case *events.ConnectFailure:
		s.sink.ConnectionUpdate(bot.ConnectionUpdate{State: bot.StateClosed, Reason: bot.DisconnectReason{
			LoggedOut: evt.Reason.IsLoggedOut(),
			Code:      int(evt.Reason),
			Message:   fmt.Sprintf("connect failure: %s %s", evt.Reason, evt.Message),
		}})
	case *events.TemporaryBan:
		s.sink.ConnectionUpdate(bot.ConnectionUpdate{State: bot.StateClosed, Reason: bot.DisconnectReason{
			Code:    int(evt.Code),
			Message: evt.String(),
		}})
	case *events.Message:
		if msg := convertEvent(evt); msg != nil {
			s.sink.MessagesUpsert(&bot.Batch{Class: bot.BatchNotify, Messages: []*bot.Message{msg}})
		}
	case *events.HistorySync:
		if batch := s.historyBatch(evt); len(batch.Messages) > 0 {
			s.sink.MessagesUpsert(batch)
		}
	}
}

func keepAliveExpired(evt *events.KeepAliveTimeout, now time.Time) bool {
	return !evt.LastSuccess.IsZero() && now.Sub(evt.LastSuccess) > whatsmeow.KeepAliveMaxFailTime
}

func (s *session) historyBatch(evt *events.HistorySync) *bot.Batch {
	batch := &bot.Batch{Class: bot.BatchHistory}
	for _, conv := range evt.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, item := range conv.GetMessages() {
			parsed, err := s.client.ParseWebMessage(chat, item.GetMessage())
			if err != nil {
				continue
			}
			if msg := convertEvent(parsed); msg != nil {
				batch.Messages = append(batch.Messages, msg)
			}
		}
	}
	return batch
}

func (s *session) messageForRetry(_, to types.JID, id types.MessageID) *waE2E.Message {
	if s.transport.messages == nil {
		return nil
	}
	data, ok := s.transport.messages.Get(to.ToNonAD().String(), id)
	if !ok {
		return nil
	}
	var msg waE2E.Message
	if err := proto.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Str("message_id", id).Msg("Failed to decode cached message")
		return nil
	}
	return &msg
}

func (s *session) remember(chat types.JID, id string, msg *waE2E.Message) {
	if s.transport.messages == nil {
		return
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return
	}
	s.transport.messages.Put(chat.ToNonAD().String(), id, data)
}

func (s *session) SendMessage(ctx context.Context, to bot.ChatID, content *bot.Outgoing, opts bot.SendOptions) (string, error) {
	jid, err := parseChat(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %s: %w", to, err)
	}
	msg, err := s.buildMessage(ctx, content, opts)
	if err != nil {
		return "", err
	}
	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	s.remember(jid, resp.ID, msg)
	return resp.ID, nil
}

func (s *session) buildMessage(ctx context.Context, content *bot.Outgoing, opts bot.SendOptions) (*waE2E.Message, error) {
	ci := withMentions(quoteContext(opts.Quoted), content.Mentions)
	switch content.Kind {
	case bot.OutgoingText:
		return textMessage(content.Text, ci), nil
	case bot.OutgoingForward:
		msg, ok := forwardMessage(content.Forward)
		if !ok {
			return nil, fmt.Errorf("nothing to forward")
		}
		return msg, nil
	case bot.OutgoingImage, bot.OutgoingVideo, bot.OutgoingAudio, bot.OutgoingSticker:
		return s.mediaMessage(ctx, content, ci)
	default:
		return nil, fmt.Errorf("unsupported message kind %q", content.Kind)
	}
}

func (s *session) mediaMessage(ctx context.Context, content *bot.Outgoing, ci *waE2E.ContextInfo) (*waE2E.Message, error) {
	data, err := s.loadMedia(ctx, content)
	if err != nil {
		return nil, err
	}
	mimetype := content.Mimetype
	if mimetype == "" {
		mimetype = http.DetectContentType(data)
	}
	mediaType := whatsmeow.MediaImage
	switch content.Kind {
	case bot.OutgoingVideo:
		mediaType = whatsmeow.MediaVideo
	case bot.OutgoingAudio:
		mediaType = whatsmeow.MediaAudio
	}
	up, err := s.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", content.Kind, err)
	}
	return uploadedMessage(content, mimetype, up, ci), nil
}

func uploadedMessage(content *bot.Outgoing, mimetype string, up whatsmeow.UploadResponse, ci *waE2E.ContextInfo) *waE2E.Message {
	switch content.Kind {
	case bot.OutgoingVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optionalString(content.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	case bot.OutgoingAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	case bot.OutgoingSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	default:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optionalString(content.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   ci,
		}}
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// loadMedia reads outbound media from its local path or downloads it.
func (s *session) loadMedia(ctx context.Context, content *bot.Outgoing) ([]byte, error) {
	if content.Path != "" {
		data, err := os.ReadFile(content.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read media file: %w", err)
		}
		return data, nil
	}
	if content.URL == "" {
		return nil, fmt.Errorf("%s message has no media", content.Kind)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, content.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create media request: %w", err)
	}
	resp, err := s.transport.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to download media: unexpected status %d", resp.StatusCode)
	}
	limit := s.transport.cfg.MaxMediaBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("media larger than %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, errors.New("media is empty")
	}
	return data, nil
}

func (s *session) MarkRead(ctx context.Context, keys []bot.MessageKey) error {
	var errs []error
	for _, key := range keys {
		chat, err := parseChat(key.Chat)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sender := types.EmptyJID
		if key.Participant != "" {
			if sender, err = types.ParseJID(key.Participant.String()); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err = s.client.MarkRead(ctx, []types.MessageID{key.ID}, time.Now(), chat, sender); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *session) GroupMetadata(ctx context.Context, chat bot.ChatID) (*bot.GroupMetadata, error) {
	jid, err := parseChat(chat)
	if err != nil {
		return nil, err
	}
	info, err := s.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to get group info: %w", err)
	}
	meta := &bot.GroupMetadata{ID: chat, Name: info.Name}
	for _, p := range info.Participants {
		meta.Participants = append(meta.Participants, bot.UserID(p.JID.String()))
	}
	return meta, nil
}

func (s *session) DownloadMedia(ctx context.Context, media *bot.MediaRef) ([]byte, error) {
	if media == nil || media.Payload == nil {
		return nil, errors.New("no media")
	}
	downloadable, ok := media.Payload.Handle.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("%s payload is not downloadable", media.Kind)
	}
	data, err := s.client.Download(ctx, downloadable)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", media.Kind, err)
	}
	return data, nil
}

func (s *session) SubscribePresence(ctx context.Context, to bot.ChatID) error {
	jid, err := parseChat(to)
	if err != nil {
		return err
	}
	return s.client.SubscribePresence(ctx, jid)
}

func (s *session) SendPresence(ctx context.Context, to bot.ChatID, presence bot.Presence) error {
	jid, err := parseChat(to)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if presence == bot.PresenceComposing {
		state = types.ChatPresenceComposing
	}
	return s.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}
