// Copyright 2024-2026 Aiku AI

package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// PortalError carries the message returned by the report service.
type PortalError struct {
	Message string
}

func (e *PortalError) Error() string {
	return "portal: " + e.Message
}

// SplitPortalArgs splits "params|session" into its two parts.
func SplitPortalArgs(args string) (params, session string) {
	params, session, _ = strings.Cut(args, "|")
	return strings.TrimSpace(params), strings.TrimSpace(session)
}

// Portal looks up the academic report selected by args ("params|session")
// and renders it as text. Errors reported by the service itself are
// returned as *PortalError.
func (c *Client) Portal(ctx context.Context, args string) (string, error) {
	if c.cfg.PortalURL == "" {
		return "", fmt.Errorf("portal url not configured")
	}
	params, session := SplitPortalArgs(args)
	endpoint := c.cfg.PortalURL + "/"
	var query url.Values
	if strings.HasPrefix(params, "?") {
		var err error
		query, err = url.ParseQuery(params[1:])
		if err != nil {
			return "", fmt.Errorf("failed to parse portal params: %w", err)
		}
	} else {
		query = url.Values{}
	}
	if session != "" {
		query.Set("sesi", session)
	}
	body, err := c.getJSON(ctx, endpoint, query)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if msg := serviceMessage(httpErr.Body); msg != "" {
			return "", &PortalError{Message: msg}
		}
		return "", err
	} else if err != nil {
		return "", err
	}
	if truthy(gjson.GetBytes(body, "error")) {
		return "", &PortalError{Message: serviceMessage(body)}
	}
	return FormatPortalReport(body), nil
}

// truthy reports whether v is set to anything but false, 0, "" or null.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		return v.Num != 0
	case gjson.String:
		return v.Str != ""
	default:
		return false
	}
}

func serviceMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "msg").String(); msg != "" {
		return msg
	}
	return gjson.GetBytes(body, "message").String()
}

// FormatPortalReport renders the nilai rows and the sum object of a report:
//
//	Name : Grade | Credits | Weighted
//	----------------
//	key : value
//
// It returns "" when the report has neither.
func FormatPortalReport(body []byte) string {
	rows := gjson.GetBytes(body, "nilai").Array()
	sum := gjson.GetBytes(body, "sum")
	if len(rows) == 0 && (!sum.IsObject() || len(sum.Map()) == 0) {
		return ""
	}
	var sb strings.Builder
	for _, row := range rows {
		grade := row.Get("Nilai").String()
		if grade == "" {
			grade = "-"
		}
		fmt.Fprintf(&sb, "%s : %s | %s | %s\n",
			row.Get("Nama").String(),
			grade,
			row.Get("SKS").String(),
			row.Get("Nilai SKS").String(),
		)
	}
	sb.WriteString("----------------\n")
	sum.ForEach(func(key, value gjson.Result) bool {
		fmt.Fprintf(&sb, "%s : %s\n", key.String(), value.String())
		return true
	})
	return strings.TrimSpace(sb.String())
}
