// Copyright 2024-2026 Aiku AI

// Package resolver fetches downloadable media for social media links from
// external extraction services and normalizes the replies.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Service selects an extraction endpoint.
type Service string

const (
	// ShortVideo extracts a single short video (TikTok).
	ShortVideo Service = "tt"
	// Gallery extracts every item of a post (Instagram).
	Gallery Service = "ig"
	// LinkUnfurl extracts the media behind a shared link (Facebook).
	LinkUnfurl Service = "fb"
)

// Variant selects an alternative output of a service.
type Variant int

const (
	VariantDefault Variant = iota
	// VariantAudio selects the audio track of a short video.
	VariantAudio
)

// MediaKind is the kind of a resolved media item.
type MediaKind string

const (
	KindVideo   MediaKind = "video"
	KindImage   MediaKind = "image"
	KindSticker MediaKind = "sticker"
	KindAudio   MediaKind = "audio"
)

// Media is a single downloadable item.
type Media struct {
	URL  string
	Kind MediaKind
}

// Result is the normalized reply of an extraction service. Err is set
// instead of returning an error so callers always get a usable value.
type Result struct {
	Media   []Media
	Caption string
	Err     error
}

// OK reports whether the result has at least one media item.
func (r *Result) OK() bool {
	return r != nil && r.Err == nil && len(r.Media) > 0
}

var (
	// ErrNoMedia means the service answered without a usable media URL.
	ErrNoMedia = errors.New("no media in response")
	// ErrEmptyQuery means no link was given.
	ErrEmptyQuery = errors.New("empty query")
)

// Config configures the external services.
type Config struct {
	// BaseURL is the root of the extraction service.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// PortalURL is the root of the report lookup service.
	PortalURL    string        `yaml:"portal_url" env:"PORTAL_URL"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	UserAgent    string        `yaml:"user_agent" env:"USER_AGENT"`
}

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 4 << 20
	defaultUserAgent    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Client talks to the extraction services.
type Client struct {
	log        zerolog.Logger
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client. Zero config values are replaced by defaults.
func NewClient(log zerolog.Logger, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PortalURL = strings.TrimRight(cfg.PortalURL, "/")
	return &Client{
		log: log.With().Str("component", "resolver").Logger(),
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// Resolve asks service for the media behind query. Network failures,
// non-2xx replies and replies without a media URL are reported in
// Result.Err. Nothing is retried.
func (c *Client) Resolve(ctx context.Context, service Service, query string, variant Variant) *Result {
	log := c.log.With().Str("service", string(service)).Str("query", query).Logger()
	query = strings.TrimSpace(query)
	if query == "" {
		return &Result{Err: ErrEmptyQuery}
	}
	body, err := c.getJSON(ctx, c.cfg.BaseURL+"/"+string(service), url.Values{"url": {query}})
	if err != nil {
		log.Warn().Err(err).Msg("Extraction service request failed")
		return &Result{Err: err}
	}
	var res *Result
	switch service {
	case ShortVideo:
		res = parseShortVideo(body, variant)
	case Gallery:
		res = parseGallery(body)
	case LinkUnfurl:
		res = parseLinkUnfurl(body)
	default:
		res = &Result{Err: fmt.Errorf("unknown service %q", service)}
	}
	if res.Err == nil && len(res.Media) == 0 {
		res.Err = ErrNoMedia
	}
	if res.Err != nil {
		log.Debug().Err(res.Err).Msg("Extraction service returned no media")
	} else {
		log.Debug().Int("media_count", len(res.Media)).Msg("Resolved media")
	}
	return res
}

// parseShortVideo reads {desc, mp4_1, mp4_hd, mp4_2, mp3}.
func parseShortVideo(body []byte, variant Variant) *Result {
	res := &Result{Caption: gjson.GetBytes(body, "desc").String()}
	if variant == VariantAudio {
		if u := gjson.GetBytes(body, "mp3").String(); u != "" {
			res.Media = []Media{{URL: u, Kind: KindAudio}}
		}
		return res
	}
	for _, field := range []string{"mp4_1", "mp4_hd", "mp4_2"} {
		if u := gjson.GetBytes(body, field).String(); u != "" {
			res.Media = []Media{{URL: u, Kind: KindVideo}}
			break
		}
	}
	return res
}

// parseGallery reads {links: [...]}; every link is typed on its own.
func parseGallery(body []byte) *Result {
	res := &Result{}
	for _, link := range gjson.GetBytes(body, "links").Array() {
		if u := link.String(); u != "" {
			res.Media = append(res.Media, Media{URL: u, Kind: SniffKind(u)})
		}
	}
	return res
}

// parseLinkUnfurl reads {links: [...], text}; only the first link is used.
func parseLinkUnfurl(body []byte) *Result {
	res := &Result{Caption: gjson.GetBytes(body, "text").String()}
	if u := gjson.GetBytes(body, "links.0").String(); u != "" {
		res.Media = []Media{{URL: u, Kind: SniffKind(u)}}
	}
	return res
}

// SniffKind guesses the kind of a media URL from the file extension it
// contains: .jpg and .png are images, .webp is a sticker and anything else
// is treated as a video.
func SniffKind(mediaURL string) MediaKind {
	switch {
	case strings.Contains(mediaURL, ".jpg"), strings.Contains(mediaURL, ".png"):
		return KindImage
	case strings.Contains(mediaURL, ".webp"):
		return KindSticker
	default:
		return KindVideo
	}
}

// HTTPError is returned for non-2xx replies.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON in response")
	}
	return body, nil
}
