// Copyright 2024-2026 Aiku AI

package resolver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"
)

// Preview is the OpenGraph summary of a web page.
type Preview struct {
	URL         string
	Title       string
	Description string
	SiteName    string
	ImageURL    string
}

// FetchPreview downloads a page and extracts its OpenGraph metadata, falling
// back to the <title> and description meta tags.
func (c *Client) FetchPreview(ctx context.Context, pageURL string) (*Preview, error) {
	parsed, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml") {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	og := opengraph.NewOpenGraph()
	if err = og.ProcessHTML(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("failed to parse OpenGraph: %w", err)
	}
	preview := &Preview{
		URL:         og.URL,
		Title:       og.Title,
		Description: og.Description,
		SiteName:    og.SiteName,
	}
	if preview.URL == "" {
		preview.URL = parsed.String()
	}
	if len(og.Images) > 0 && og.Images[0].URL != "" {
		if rel, err := url.Parse(og.Images[0].URL); err == nil {
			preview.ImageURL = parsed.ResolveReference(rel).String()
		}
	}
	if preview.Title == "" || preview.Description == "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err == nil {
			if preview.Title == "" {
				preview.Title = strings.TrimSpace(doc.Find("title").First().Text())
			}
			if preview.Description == "" {
				preview.Description = strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", ""))
			}
		}
	}
	if preview.Title == "" && preview.Description == "" && preview.ImageURL == "" {
		return nil, ErrNoMedia
	}
	return preview, nil
}
