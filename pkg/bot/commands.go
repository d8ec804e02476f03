// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aiku/wabot/pkg/bot/wafmt"
	"github.com/aiku/wabot/pkg/media"
	"github.com/aiku/wabot/pkg/resolver"
)

// ErrNotAllowed is logged when the portal gate rejects a request.
var ErrNotAllowed = errors.New("sender not allowed")

const (
	stickerFailedText  = "Terjadi kesalahan saat meng-convert sticker."
	videoFailedText    = "Gagal download video TikTok-mu. Maaf yaa"
	audioFailedText    = "Gagal download audio TikTok-mu. Maaf yaa"
	galleryFailedText  = "Gagal download video IG-mu. Maaf yaa"
	unfurlFailedText   = "Gagal download video FB-mu. Maaf yaa"
	portalFailedText   = "Gagal scraping portal-mu. Maaf yaa"
	portalRejectedText = "Maaf, gunakan params anda sendiri dengan :\n\n%sportal params"
	previewFailedText  = "Gagal mengambil preview link-mu. Maaf yaa"
	stickerUsageText   = "Kirim gambar dengan caption %ssticker atau tag gambar yang sudah dikirim"
	linkUsageText      = "Kirim link dengan caption %s%s <link> atau tag link yang sudah dikirim"
	revealUsageText    = "Balas pesan sekali lihat dengan caption %sreveal"
	previewUsageText   = "Kirim link dengan caption %spreview <link>"
)

// StickerMaker turns downloaded media into a sticker.
type StickerMaker interface {
	BuildSticker(ctx context.Context, data []byte, captions media.Captions) (*media.Artifact, error)
}

// ContentResolver fetches content from the external services.
type ContentResolver interface {
	Resolve(ctx context.Context, service resolver.Service, query string, variant resolver.Variant) *resolver.Result
	Portal(ctx context.Context, args string) (string, error)
	FetchPreview(ctx context.Context, pageURL string) (*resolver.Preview, error)
}

// PortalConfig gates the report lookup command.
type PortalConfig struct {
	// AllowedSenders bypass the token checks when the sender id contains
	// any of these strings.
	AllowedSenders []string `yaml:"allowed_senders" env:"ALLOWED_SENDERS"`
	// RequiredMarker must appear in the arguments of everyone else. When it
	// is empty only AllowedSenders may run lookups.
	RequiredMarker string `yaml:"required_marker" env:"REQUIRED_MARKER"`
	// BlockedTokens must not appear in the arguments of everyone else.
	BlockedTokens []string `yaml:"blocked_tokens" env:"BLOCKED_TOKENS"`
}

// Allows returns nil when sender may run a lookup with rawArgs and an error
// wrapping ErrNotAllowed otherwise.
func (p PortalConfig) Allows(sender UserID, rawArgs string) error {
	if strings.TrimSpace(rawArgs) == "" {
		return fmt.Errorf("%w: empty params", ErrNotAllowed)
	}
	for _, allowed := range p.AllowedSenders {
		if allowed != "" && strings.Contains(sender.String(), allowed) {
			return nil
		}
	}
	if p.RequiredMarker == "" {
		return fmt.Errorf("%w: sender not allowed", ErrNotAllowed)
	}
	for _, token := range p.BlockedTokens {
		if token != "" && strings.Contains(rawArgs, token) {
			return fmt.Errorf("%w: blocked params", ErrNotAllowed)
		}
	}
	if !strings.Contains(rawArgs, p.RequiredMarker) {
		return fmt.Errorf("%w: missing marker", ErrNotAllowed)
	}
	return nil
}

// CommandDeps holds the collaborators of the built-in commands.
type CommandDeps struct {
	Reply    *ReplyGateway
	Stickers StickerMaker
	Resolver ContentResolver
	Portal   PortalConfig
	Prefix   string
}

type commands struct {
	CommandDeps
	registry *Registry
}

// RegisterCommands adds the built-in commands to registry.
func RegisterCommands(registry *Registry, deps CommandDeps) {
	if deps.Prefix == "" {
		deps.Prefix = DefaultPrefix
	}
	c := &commands{CommandDeps: deps, registry: registry}
	for _, handler := range []*CommandHandler{
		{
			Name:        "sticker",
			Aliases:     []string{"s", "stiker"},
			Description: "Turn an image, video or document into a sticker",
			Args:        "[top text|bottom text]",
			Func:        c.sticker,
		},
		{
			Name:        "tiktok",
			Aliases:     []string{"tt", "ttdl", "dltt"},
			Description: "Download a TikTok video",
			Args:        "<link>",
			Func:        c.tiktok,
		},
		{
			Name:        "tiktokmp3",
			Aliases:     []string{"tiktokaudio", "ttmp3", "ttaudio", "audiott"},
			Description: "Download the audio of a TikTok video",
			Args:        "<link>",
			Func:        c.tiktokAudio,
		},
		{
			Name:        "instagram",
			Aliases:     []string{"insta", "ig", "igdl", "dlig"},
			Description: "Download every photo and video of an Instagram post",
			Args:        "<link>",
			Func:        c.instagram,
		},
		{
			Name:        "facebook",
			Aliases:     []string{"fb", "fbdl", "dlfb"},
			Description: "Download a Facebook video",
			Args:        "<link>",
			Func:        c.facebook,
		},
		{
			Name:        "show",
			Aliases:     []string{"reveal"},
			Description: "Forward a view-once message to you as a normal message",
			Func:        c.reveal,
		},
		{
			Name:        "cekportal",
			Aliases:     []string{"portal"},
			Description: "Look up an academic report",
			Args:        "<params>|<session>",
			Func:        c.portal,
		},
		{
			Name:        "preview",
			Aliases:     []string{"unfurl", "og"},
			Description: "Show the title, description and image of a web page",
			Args:        "<link>",
			Func:        c.preview,
		},
		{
			Name:        "help",
			Aliases:     []string{"menu"},
			Description: "List the available commands",
			Func:        c.help,
		},
	} {
		registry.Register(handler)
	}
}

func (c *commands) replyText(ctx context.Context, evt *CommandEvent, text string) error {
	return c.Reply.Reply(ctx, evt.Session, evt.Message, Text(text))
}

func (c *commands) sticker(ctx context.Context, evt *CommandEvent) error {
	if evt.Media == nil {
		return c.replyText(ctx, evt, fmt.Sprintf(stickerUsageText, c.Prefix))
	}
	data, err := evt.Session.DownloadMedia(ctx, evt.Media)
	if err != nil {
		evt.Log.Err(err).Str("media_kind", string(evt.Media.Kind)).Msg("Failed to download sticker source")
		return c.replyText(ctx, evt, stickerFailedText)
	}
	top, bottom := Captions(evt.RawArgs)
	artifact, err := c.Stickers.BuildSticker(ctx, data, media.Captions{Top: top, Bottom: bottom})
	if err != nil {
		evt.Log.Err(err).Msg("Failed to build sticker")
		return c.replyText(ctx, evt, stickerFailedText)
	}
	defer func() {
		if err := artifact.Cleanup(); err != nil {
			evt.Log.Warn().Err(err).Msg("Failed to remove sticker build directory")
		}
	}()
	return c.Reply.Reply(ctx, evt.Session, evt.Message, &Outgoing{
		Kind:     OutgoingSticker,
		Path:     artifact.Path,
		Mimetype: artifact.Mimetype,
	})
}

func (c *commands) tiktok(ctx context.Context, evt *CommandEvent) error {
	return c.shortVideo(ctx, evt, resolver.VariantDefault)
}

func (c *commands) tiktokAudio(ctx context.Context, evt *CommandEvent) error {
	return c.shortVideo(ctx, evt, resolver.VariantAudio)
}

func (c *commands) shortVideo(ctx context.Context, evt *CommandEvent, variant resolver.Variant) error {
	if len(evt.Argv) == 0 {
		return c.replyText(ctx, evt, fmt.Sprintf(linkUsageText, c.Prefix, "tt"))
	}
	failed := videoFailedText
	if variant == resolver.VariantAudio {
		failed = audioFailedText
	}
	res := c.Resolver.Resolve(ctx, resolver.ShortVideo, evt.Argv[0], variant)
	if !res.OK() {
		evt.Log.Warn().Err(res.Err).Msg("Short video lookup returned nothing")
		return c.replyText(ctx, evt, failed)
	}
	out := outgoingMedia(res.Media[0])
	if out.Kind == OutgoingVideo {
		out.Caption = res.Caption
	}
	return c.Reply.Send(ctx, evt.Session, evt.Chat, out)
}

func (c *commands) instagram(ctx context.Context, evt *CommandEvent) error {
	if len(evt.Argv) == 0 {
		return c.replyText(ctx, evt, fmt.Sprintf(linkUsageText, c.Prefix, "ig"))
	}
	res := c.Resolver.Resolve(ctx, resolver.Gallery, evt.Argv[0], resolver.VariantDefault)
	if !res.OK() {
		evt.Log.Warn().Err(res.Err).Msg("Gallery lookup returned nothing")
		return c.replyText(ctx, evt, galleryFailedText)
	}
	for _, item := range res.Media {
		if err := c.Reply.Send(ctx, evt.Session, evt.Chat, outgoingMedia(item)); err != nil {
			return err
		}
	}
	return nil
}

func (c *commands) facebook(ctx context.Context, evt *CommandEvent) error {
	if len(evt.Argv) == 0 {
		return c.replyText(ctx, evt, fmt.Sprintf(linkUsageText, c.Prefix, "fb"))
	}
	res := c.Resolver.Resolve(ctx, resolver.LinkUnfurl, evt.Argv[0], resolver.VariantDefault)
	if !res.OK() {
		evt.Log.Warn().Err(res.Err).Msg("Link lookup returned nothing")
		return c.replyText(ctx, evt, unfurlFailedText)
	}
	out := outgoingMedia(res.Media[0])
	if out.Kind == OutgoingVideo || out.Kind == OutgoingImage {
		out.Caption = res.Caption
	}
	return c.Reply.Send(ctx, evt.Session, evt.Chat, out)
}

// reveal forwards the quoted view-once media privately to whoever asked.
func (c *commands) reveal(ctx context.Context, evt *CommandEvent) error {
	if evt.QuotedMedia == nil {
		return c.replyText(ctx, evt, fmt.Sprintf(revealUsageText, c.Prefix))
	}
	return c.Reply.SendNow(ctx, evt.Session, evt.Sender.Chat(), &Outgoing{
		Kind:    OutgoingForward,
		Forward: evt.QuotedMedia.Content,
	})
}

func (c *commands) portal(ctx context.Context, evt *CommandEvent) error {
	if err := c.Portal.Allows(evt.Sender, evt.RawArgs); err != nil {
		evt.Log.Info().Err(err).Msg("Rejected portal lookup")
		return c.replyText(ctx, evt, fmt.Sprintf(portalRejectedText, c.Prefix))
	}
	report, err := c.Resolver.Portal(ctx, evt.RawArgs)
	if err != nil {
		evt.Log.Warn().Err(err).Msg("Portal lookup failed")
		var portalErr *resolver.PortalError
		if errors.As(err, &portalErr) && portalErr.Message != "" {
			return c.replyText(ctx, evt, portalErr.Message)
		}
		return c.replyText(ctx, evt, portalFailedText)
	}
	if report == "" {
		return c.replyText(ctx, evt, portalFailedText)
	}
	return c.replyText(ctx, evt, report)
}

func (c *commands) preview(ctx context.Context, evt *CommandEvent) error {
	if len(evt.Argv) == 0 {
		return c.replyText(ctx, evt, fmt.Sprintf(previewUsageText, c.Prefix))
	}
	preview, err := c.Resolver.FetchPreview(ctx, evt.Argv[0])
	if err != nil {
		evt.Log.Warn().Err(err).Msg("Failed to fetch link preview")
		return c.replyText(ctx, evt, previewFailedText)
	}
	text := formatPreview(preview)
	if preview.ImageURL != "" {
		return c.Reply.Reply(ctx, evt.Session, evt.Message, &Outgoing{
			Kind:    OutgoingImage,
			URL:     preview.ImageURL,
			Caption: text,
		})
	}
	return c.replyText(ctx, evt, text)
}

func formatPreview(p *resolver.Preview) string {
	var sb strings.Builder
	if p.Title != "" {
		sb.WriteString("**" + p.Title + "**\n")
	}
	if p.SiteName != "" {
		sb.WriteString("_" + p.SiteName + "_\n")
	}
	if p.Description != "" {
		sb.WriteString(p.Description + "\n")
	}
	sb.WriteString("\n" + p.URL)
	return wafmt.Format(strings.TrimSpace(sb.String()))
}

func (c *commands) help(ctx context.Context, evt *CommandEvent) error {
	var sb strings.Builder
	sb.WriteString("# Menu\n")
	for _, handler := range c.registry.All() {
		sb.WriteString("- **" + c.Prefix + handler.Name + "**")
		if handler.Args != "" {
			sb.WriteString(" `" + handler.Args + "`")
		}
		if handler.Description != "" {
			sb.WriteString(": " + handler.Description)
		}
		if len(handler.Aliases) > 0 {
			sb.WriteString(" (" + strings.Join(handler.Aliases, ", ") + ")")
		}
		sb.WriteByte('\n')
	}
	return c.replyText(ctx, evt, wafmt.Format(strings.TrimSpace(sb.String())))
}

func outgoingMedia(item resolver.Media) *Outgoing {
	switch item.Kind {
	case resolver.KindImage:
		return &Outgoing{Kind: OutgoingImage, URL: item.URL}
	case resolver.KindSticker:
		return &Outgoing{Kind: OutgoingSticker, URL: item.URL, Mimetype: "image/webp"}
	case resolver.KindAudio:
		return &Outgoing{Kind: OutgoingAudio, URL: item.URL, Mimetype: "audio/mpeg"}
	default:
		return &Outgoing{Kind: OutgoingVideo, URL: item.URL, Mimetype: "video/mp4"}
	}
}
