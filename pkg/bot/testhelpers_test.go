// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/wabot/pkg/media"
	"github.com/aiku/wabot/pkg/resolver"
)

func textMessage(chat ChatID, body string) *Message {
	return &Message{
		Key:     MessageKey{ID: "MSG-" + body, Chat: chat},
		Content: &Content{Conversation: &body},
	}
}

func extendedTextMessage(chat ChatID, body string, ctx *ContextInfo) *Message {
	return &Message{
		Key:     MessageKey{ID: "EXT-" + body, Chat: chat},
		Content: &Content{ExtendedText: &ExtendedText{Text: body, ContextInfo: ctx}},
	}
}

func imageMessage(chat ChatID, caption string) *Message {
	return &Message{
		Key:     MessageKey{ID: "IMG-" + caption, Chat: chat},
		Content: &Content{Image: &MediaPayload{Caption: caption, Mimetype: "image/jpeg"}},
	}
}

// sentMessage is an outbound message captured by fakeSession.
type sentMessage struct {
	To      ChatID
	Content *Outgoing
	Quoted  *Message
}

// fakeSession is an in-memory Session that records every call.
type fakeSession struct {
	id UserID

	mu     sync.Mutex
	calls  []string
	sent   []sentMessage
	reads  []MessageKey
	closed bool

	// Groups maps chat id to metadata; missing groups fail to load.
	Groups map[ChatID]*GroupMetadata
	// Media maps message id to downloadable bytes.
	Media map[string][]byte
	// FailSend makes SendMessage fail for content of the given kinds.
	FailSend map[OutgoingKind]bool
	// FailPresence makes presence calls fail.
	FailPresence bool
	// FailConnect makes Connect fail.
	FailConnect bool
	// OnSend is called for every send before it is recorded.
	OnSend func(to ChatID, content *Outgoing)
}

var _ Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{
		id:       "628000@s.whatsapp.net",
		Groups:   make(map[ChatID]*GroupMetadata),
		Media:    make(map[string][]byte),
		FailSend: make(map[OutgoingKind]bool),
	}
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeSession) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeSession) Reads() []MessageKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]MessageKey, len(f.reads))
	copy(cp, f.reads)
	return cp
}

// Texts returns the bodies of all sent text messages.
func (f *fakeSession) Texts() []string {
	var out []string
	for _, s := range f.Sent() {
		if s.Content.Kind == OutgoingText {
			out = append(out, s.Content.Text)
		}
	}
	return out
}

// SentKinds returns the kinds of all sent non-text messages.
func (f *fakeSession) SentKinds() []OutgoingKind {
	var out []OutgoingKind
	for _, s := range f.Sent() {
		if s.Content.Kind != OutgoingText {
			out = append(out, s.Content.Kind)
		}
	}
	return out
}

func (f *fakeSession) Connect(_ context.Context) error {
	f.record("connect")
	if f.FailConnect {
		return errors.New("connect failed")
	}
	return nil
}

func (f *fakeSession) OwnID() UserID { return f.id }

func (f *fakeSession) SendMessage(_ context.Context, to ChatID, content *Outgoing, opts SendOptions) (string, error) {
	f.record(fmt.Sprintf("send:%s:%s", content.Kind, to))
	if f.OnSend != nil {
		f.OnSend(to, content)
	}
	if f.FailSend[content.Kind] {
		return "", errors.New("send failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: to, Content: content, Quoted: opts.Quoted})
	return fmt.Sprintf("OUT%d", len(f.sent)), nil
}

func (f *fakeSession) MarkRead(_ context.Context, keys []MessageKey) error {
	f.record("read")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, keys...)
	return nil
}

func (f *fakeSession) GroupMetadata(_ context.Context, chat ChatID) (*GroupMetadata, error) {
	f.record("group:" + chat.String())
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta, ok := f.Groups[chat]; ok {
		return meta, nil
	}
	return nil, errors.New("group not found")
}

func (f *fakeSession) DownloadMedia(_ context.Context, media *MediaRef) ([]byte, error) {
	f.record("download")
	f.mu.Lock()
	defer f.mu.Unlock()
	key, _ := media.Payload.Handle.(string)
	if data, ok := f.Media[key]; ok {
		return data, nil
	}
	return nil, errors.New("media not found")
}

func (f *fakeSession) SubscribePresence(_ context.Context, to ChatID) error {
	f.record("subscribe:" + to.String())
	if f.FailPresence {
		return errors.New("presence failed")
	}
	return nil
}

func (f *fakeSession) SendPresence(_ context.Context, to ChatID, presence Presence) error {
	f.record(fmt.Sprintf("presence:%s:%s", presence, to))
	if f.FailPresence {
		return errors.New("presence failed")
	}
	return nil
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSession) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// openCall records one Transport.Open invocation.
type openCall struct {
	Creds *Credentials
	Sink  EventSink
	Sess  *fakeSession
}

// fakeTransport hands out fakeSessions and exposes the sink of every open.
type fakeTransport struct {
	mu     sync.Mutex
	opens  []openCall
	opened chan openCall
	// FailOpens makes the first n Open calls fail.
	FailOpens int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opened: make(chan openCall, 16)}
}

func (f *fakeTransport) Open(_ context.Context, creds *Credentials, sink EventSink) (Session, error) {
	f.mu.Lock()
	if f.FailOpens > 0 {
		f.FailOpens--
		f.mu.Unlock()
		return nil, errors.New("dial failed")
	}
	var cp *Credentials
	if creds != nil {
		c := *creds
		cp = &c
	}
	call := openCall{Creds: cp, Sink: sink, Sess: newFakeSession()}
	f.opens = append(f.opens, call)
	f.mu.Unlock()
	f.opened <- call
	return call.Sess, nil
}

func (f *fakeTransport) Opens() []openCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]openCall, len(f.opens))
	copy(cp, f.opens)
	return cp
}

// memCredentialStore is an in-memory CredentialStore.
type memCredentialStore struct {
	mu      sync.Mutex
	creds   *Credentials
	saves   int
	cleared bool

	FailSave bool
}

func (m *memCredentialStore) Load() (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return &Credentials{}, nil
	}
	c := *m.creds
	return &c, nil
}

func (m *memCredentialStore) Save(creds *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave {
		return errors.New("disk full")
	}
	c := *creds
	m.creds = &c
	m.saves++
	return nil
}

func (m *memCredentialStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	m.cleared = true
	return nil
}

func containsCall(calls []string, prefix string) bool {
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// fakeResolver serves canned results and records every lookup.
type fakeResolver struct {
	mu    sync.Mutex
	calls []string

	Results      map[resolver.Service]*resolver.Result
	PortalReport string
	PortalErr    error
	Preview      *resolver.Preview
	PreviewErr   error
}

var _ ContentResolver = (*fakeResolver)(nil)

func newFakeResolver() *fakeResolver {
	return &fakeResolver{Results: make(map[resolver.Service]*resolver.Result)}
}

func (f *fakeResolver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeResolver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeResolver) Resolve(_ context.Context, service resolver.Service, query string, variant resolver.Variant) *resolver.Result {
	f.record(fmt.Sprintf("resolve:%s:%s:%d", service, query, variant))
	if res, ok := f.Results[service]; ok {
		return res
	}
	return &resolver.Result{Err: resolver.ErrNoMedia}
}

func (f *fakeResolver) Portal(_ context.Context, args string) (string, error) {
	f.record("portal:" + args)
	return f.PortalReport, f.PortalErr
}

func (f *fakeResolver) FetchPreview(_ context.Context, pageURL string) (*resolver.Preview, error) {
	f.record("preview:" + pageURL)
	if f.PreviewErr != nil {
		return nil, f.PreviewErr
	}
	return f.Preview, nil
}

// stickerTranscoder stands in for ffmpeg and writes a dummy output file.
type stickerTranscoder struct {
	mu    sync.Mutex
	calls int

	Fail bool
}

var _ media.Transcoder = (*stickerTranscoder)(nil)

func (s *stickerTranscoder) Transcode(_ context.Context, input, outputExt string, _, _ []string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.Fail {
		return "", errors.New("exit status 1")
	}
	out := strings.TrimSuffix(input, filepath.Ext(input)) + outputExt
	if err := os.WriteFile(out, []byte("RIFF fake webp"), 0o600); err != nil {
		return "", err
	}
	return out, nil
}

func (s *stickerTranscoder) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

const (
	testChat        ChatID = "628111@s.whatsapp.net"
	testGroup       ChatID = "120363041234@g.us"
	testParticipant UserID = "628222@s.whatsapp.net"
)

// dispatchHarness wires a dispatcher with the built-in commands to fakes.
type dispatchHarness struct {
	sess       *fakeSession
	resolver   *fakeResolver
	transcoder *stickerTranscoder
	registry   *Registry
	dispatcher *Dispatcher
}

func newDispatchHarness(t *testing.T, cfg DispatcherConfig) *dispatchHarness {
	t.Helper()
	log := zerolog.Nop()
	h := &dispatchHarness{
		sess:       newFakeSession(),
		resolver:   newFakeResolver(),
		transcoder: &stickerTranscoder{},
		registry:   NewRegistry(),
	}
	reply := NewReplyGateway(log, TypingDelays{})
	RegisterCommands(h.registry, CommandDeps{
		Reply:    reply,
		Stickers: media.NewPipeline(log, media.Config{TempDir: t.TempDir()}, h.transcoder),
		Resolver: h.resolver,
		Portal: PortalConfig{
			AllowedSenders: []string{"86230830"},
			RequiredMarker: "niu",
			BlockedTokens:  []string{"k5VkamhjZptpaQ"},
		},
	})
	if cfg.AckText == "" {
		cfg.AckText = DefaultAckText
	}
	h.dispatcher = NewDispatcher(log, cfg, h.registry, reply)
	return h
}

func (h *dispatchHarness) deliver(msgs ...*Message) {
	h.dispatcher.HandleBatch(context.Background(), h.sess, &Batch{Class: BatchNotify, Messages: msgs})
}

func groupTextMessage(body string, participant UserID) *Message {
	msg := textMessage(testGroup, body)
	msg.Key.Participant = participant
	return msg
}
