// Copyright 2024-2026 Aiku AI

package bot

import (
	"slices"
	"testing"
)

func TestClassifyPrefixGating(t *testing.T) {
	t.Parallel()
	bodies := []string{
		"",
		"hello",
		"sticker",
		" -sticker",
		"!tt https://x/video",
		"--",
		"-",
		"-   ",
	}
	for _, body := range bodies {
		for _, msg := range []*Message{
			textMessage("123@s.whatsapp.net", body),
			extendedTextMessage("123@s.whatsapp.net", body, nil),
			imageMessage("123@s.whatsapp.net", body),
		} {
			if body == "--" {
				// "--" is a command with verb "-"; it is only checked for not panicking.
				Classify(msg, DefaultPrefix)
				continue
			}
			if cmd, ok := Classify(msg, DefaultPrefix); ok {
				t.Errorf("Classify(%q): got command %+v, want none", body, cmd)
			}
		}
	}
}

func TestClassifyNilMessage(t *testing.T) {
	t.Parallel()
	if _, ok := Classify(nil, DefaultPrefix); ok {
		t.Error("nil message should not classify")
	}
	if _, ok := Classify(&Message{}, DefaultPrefix); ok {
		t.Error("message without content should not classify")
	}
}

func TestClassifyTokenization(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		verb    string
		rawArgs string
		argv    []string
	}{
		{"sticker captions", "-sticker top|bottom", "sticker", "top|bottom", []string{"top|bottom"}},
		{"upper verb", "-TT https://x/Video", "tt", "https://x/Video", []string{"https://x/Video"}},
		{"space after prefix", "-  ig   https://a/b  ", "ig", "https://a/b", []string{"https://a/b"}},
		{"no args", "-reveal", "reveal", "", []string{}},
		{"keeps inner spacing", "-s hello  world | bye", "s", "hello  world | bye", []string{"hello", "world", "|", "bye"}},
		{"tabs", "-portal\t?niu=1|abc", "portal", "?niu=1|abc", []string{"?niu=1|abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, ok := Classify(textMessage("123@s.whatsapp.net", tt.body), DefaultPrefix)
			if !ok {
				t.Fatalf("Classify(%q): not a command", tt.body)
			}
			if cmd.Verb != tt.verb {
				t.Errorf("Verb: got %q, want %q", cmd.Verb, tt.verb)
			}
			if cmd.RawArgs != tt.rawArgs {
				t.Errorf("RawArgs: got %q, want %q", cmd.RawArgs, tt.rawArgs)
			}
			if len(cmd.Argv) != len(tt.argv) || (len(tt.argv) > 0 && !slices.Equal(cmd.Argv, tt.argv)) {
				t.Errorf("Argv: got %q, want %q", cmd.Argv, tt.argv)
			}
		})
	}
}

func TestCaptions(t *testing.T) {
	t.Parallel()
	cmd, ok := Classify(textMessage("123@s.whatsapp.net", "-sticker top|bottom"), DefaultPrefix)
	if !ok {
		t.Fatal("expected command")
	}
	top, bottom := Captions(cmd.RawArgs)
	if top != "top" || bottom != "bottom" {
		t.Errorf("Captions: got [%q %q], want [top bottom]", top, bottom)
	}

	tests := []struct {
		in          string
		top, bottom string
	}{
		{"", "", ""},
		{"   ", "", ""},
		{"only top", "only top", ""},
		{" a | b | c ", "a", "b"},
		{"|bottom", "", "bottom"},
	}
	for _, tt := range tests {
		top, bottom := Captions(tt.in)
		if top != tt.top || bottom != tt.bottom {
			t.Errorf("Captions(%q): got [%q %q], want [%q %q]", tt.in, top, bottom, tt.top, tt.bottom)
		}
	}
}

func TestClassifyCustomPrefix(t *testing.T) {
	t.Parallel()
	if _, ok := Classify(textMessage("1@s.whatsapp.net", "-s"), "!"); ok {
		t.Error("dash body should not match ! prefix")
	}
	cmd, ok := Classify(textMessage("1@s.whatsapp.net", "!S"), "!")
	if !ok || cmd.Verb != "s" {
		t.Errorf("got %+v, %v", cmd, ok)
	}
}

func TestClassifyCaptionBodies(t *testing.T) {
	t.Parallel()
	for _, msg := range []*Message{
		imageMessage("1@s.whatsapp.net", "-s"),
		{Key: MessageKey{Chat: "1@s.whatsapp.net"}, Content: &Content{Video: &MediaPayload{Caption: "-s"}}},
		{Key: MessageKey{Chat: "1@s.whatsapp.net"}, Content: &Content{Document: &MediaPayload{Caption: "-s"}}},
	} {
		cmd, ok := Classify(msg, DefaultPrefix)
		if !ok {
			t.Fatalf("%s caption should classify", msg.Content.Kind())
		}
		if cmd.Media == nil || cmd.Media.Kind != msg.Content.Kind() {
			t.Errorf("%s: Media not set to own payload", msg.Content.Kind())
		}
	}
}

func TestClassifyAuxiliaryKindsIgnored(t *testing.T) {
	t.Parallel()
	text := "-s"
	msg := &Message{
		Key: MessageKey{Chat: "1@s.whatsapp.net"},
		Content: &Content{
			MessageContextInfo:    true,
			SenderKeyDistribution: true,
			Conversation:          &text,
		},
	}
	if msg.Content.Kind() != KindConversation {
		t.Errorf("Kind: got %q, want conversation", msg.Content.Kind())
	}
	if _, ok := Classify(msg, DefaultPrefix); !ok {
		t.Error("conversation with auxiliary fields should classify")
	}
	aux := &Content{MessageContextInfo: true, SenderKeyDistribution: true}
	if aux.Kind() != KindNone {
		t.Errorf("auxiliary-only content Kind: got %q", aux.Kind())
	}
}

func TestClassifySender(t *testing.T) {
	t.Parallel()
	direct, _ := Classify(textMessage("628111@s.whatsapp.net", "-s"), DefaultPrefix)
	if direct.Sender != "628111@s.whatsapp.net" {
		t.Errorf("direct Sender: got %q", direct.Sender)
	}
	grp := textMessage("1203630@g.us", "-s")
	grp.Key.Participant = "628222@s.whatsapp.net"
	cmd, _ := Classify(grp, DefaultPrefix)
	if cmd.Sender != "628222@s.whatsapp.net" {
		t.Errorf("group Sender: got %q", cmd.Sender)
	}
	if cmd.Chat != "1203630@g.us" {
		t.Errorf("group Chat: got %q", cmd.Chat)
	}
}

func TestClassifyMentions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ctx  *ContextInfo
		want []UserID
	}{
		{"none", nil, nil},
		{"explicit only", &ContextInfo{MentionedJIDs: []UserID{"a@s.whatsapp.net"}}, []UserID{"a@s.whatsapp.net"}},
		{"reply only", &ContextInfo{Participant: "b@s.whatsapp.net"}, []UserID{"b@s.whatsapp.net"}},
		{"both", &ContextInfo{MentionedJIDs: []UserID{"a@s.whatsapp.net"}, Participant: "b@s.whatsapp.net"}, []UserID{"a@s.whatsapp.net", "b@s.whatsapp.net"}},
		{"dedup and empty", &ContextInfo{MentionedJIDs: []UserID{"a@s.whatsapp.net", "", "a@s.whatsapp.net"}, Participant: "a@s.whatsapp.net"}, []UserID{"a@s.whatsapp.net"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, ok := Classify(extendedTextMessage("1@s.whatsapp.net", "-tag", tt.ctx), DefaultPrefix)
			if !ok {
				t.Fatal("expected command")
			}
			if !slices.Equal(cmd.Mentions, tt.want) {
				t.Errorf("Mentions: got %q, want %q", cmd.Mentions, tt.want)
			}
		})
	}
}

func TestClassifyMediaEligibility(t *testing.T) {
	t.Parallel()
	sticker := &Content{Sticker: &MediaPayload{Mimetype: "image/webp"}}
	plain := "just text"
	viewOnceImage := &Content{ViewOnce: &Content{Image: &MediaPayload{Mimetype: "image/jpeg", ViewOnce: true}}}

	tests := []struct {
		name     string
		msg      *Message
		wantKind Kind
	}{
		{"own document", &Message{Key: MessageKey{Chat: "1@s.whatsapp.net"}, Content: &Content{Document: &MediaPayload{Caption: "-s"}}}, KindDocument},
		{"quoted sticker", extendedTextMessage("1@s.whatsapp.net", "-s", &ContextInfo{StanzaID: "q1", QuotedMessage: sticker}), KindSticker},
		{"quoted text", extendedTextMessage("1@s.whatsapp.net", "-s", &ContextInfo{StanzaID: "q1", QuotedMessage: &Content{Conversation: &plain}}), KindNone},
		{"plain text", textMessage("1@s.whatsapp.net", "-s"), KindNone},
		{"quoted view-once image", extendedTextMessage("1@s.whatsapp.net", "-s", &ContextInfo{StanzaID: "q1", QuotedMessage: viewOnceImage}), KindImage},
		{"quoted audio", extendedTextMessage("1@s.whatsapp.net", "-s", &ContextInfo{QuotedMessage: &Content{Audio: &MediaPayload{}}}), KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, ok := Classify(tt.msg, DefaultPrefix)
			if !ok {
				t.Fatal("expected command")
			}
			if tt.wantKind == KindNone {
				if cmd.Media != nil {
					t.Errorf("Media: got %+v, want nil", cmd.Media)
				}
				return
			}
			if cmd.Media == nil {
				t.Fatalf("Media: got nil, want %s", tt.wantKind)
			}
			if cmd.Media.Kind != tt.wantKind {
				t.Errorf("Media.Kind: got %q, want %q", cmd.Media.Kind, tt.wantKind)
			}
		})
	}
}

func TestClassifyQuotedViewOnce(t *testing.T) {
	t.Parallel()
	inner := &Content{Image: &MediaPayload{Mimetype: "image/jpeg", ViewOnce: true}}
	envelope := &Content{ViewOnce: inner}
	cmd, ok := Classify(extendedTextMessage("1203630@g.us", "-reveal", &ContextInfo{
		StanzaID:      "ABCD",
		Participant:   "628333@s.whatsapp.net",
		QuotedMessage: envelope,
	}), DefaultPrefix)
	if !ok {
		t.Fatal("expected command")
	}
	if cmd.QuotedMedia == nil {
		t.Fatal("QuotedMedia should be set for a quoted view-once envelope")
	}
	if cmd.QuotedMedia.Kind != KindImage {
		t.Errorf("QuotedMedia.Kind: got %q, want image", cmd.QuotedMedia.Kind)
	}
	if cmd.QuotedMedia.Content != inner {
		t.Error("QuotedMedia.Content should be the unwrapped message")
	}
	if cmd.QuotedID != "ABCD" {
		t.Errorf("QuotedID: got %q", cmd.QuotedID)
	}

	// Flag-only view-once media without an envelope.
	flagged := &Content{Video: &MediaPayload{ViewOnce: true}}
	cmd, _ = Classify(extendedTextMessage("1@s.whatsapp.net", "-reveal", &ContextInfo{QuotedMessage: flagged}), DefaultPrefix)
	if cmd.QuotedMedia == nil || cmd.QuotedMedia.Kind != KindVideo {
		t.Errorf("flagged view-once video: got %+v", cmd.QuotedMedia)
	}

	// Ordinary quoted media is not a reveal target.
	cmd, _ = Classify(extendedTextMessage("1@s.whatsapp.net", "-reveal", &ContextInfo{QuotedMessage: &Content{Image: &MediaPayload{}}}), DefaultPrefix)
	if cmd.QuotedMedia != nil {
		t.Error("QuotedMedia should be nil for regular quoted media")
	}
}

func TestUnwrapDepthOne(t *testing.T) {
	t.Parallel()
	innermost := &Content{Image: &MediaPayload{}}
	middle := &Content{ViewOnce: innermost}
	outer := &Content{ViewOnce: middle}
	if got := outer.Unwrap(); got != middle {
		t.Error("Unwrap should remove exactly one envelope")
	}
	if got := innermost.Unwrap(); got != innermost {
		t.Error("Unwrap of non-envelope should be identity")
	}
	var nilContent *Content
	if nilContent.Unwrap() != nil {
		t.Error("Unwrap(nil) should be nil")
	}
}
