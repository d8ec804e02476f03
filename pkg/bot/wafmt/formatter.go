// Copyright 2024-2026 Aiku AI

// Package wafmt converts markdown to WhatsApp inline markup.
package wafmt

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldAltRe   = regexp.MustCompile(`__(.+?)__`)
	strikeRe    = regexp.MustCompile(`~~(.+?)~~`)
	codeRe      = regexp.MustCompile("`([^`\n]+)`")
	codeBlockRe = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe   = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe        = regexp.MustCompile(`^\s*[-*+]\s+(.+)$`)
	ruleRe      = regexp.MustCompile(`^\s*([-*_])(\s*([-*_])){2,}\s*$`)
)

const placeholderPrefix = "\x00CODE"

// Format converts markdown to WhatsApp markup:
//
//	**bold** and __bold__  -> *bold*
//	~~strike~~             -> ~strike~
//	# Heading              -> *Heading*
//	- item                 -> • item
//	[text](url)            -> text (url)
//	`code`                 -> `code`
//	```block```            -> ```block```
//
// Italic (_x_) and block quotes (> x) are the same in both syntaxes and are
// left untouched. Code spans are never rewritten.
func Format(text string) string {
	if text == "" {
		return ""
	}

	var code []string
	stash := func(s string) string {
		idx := len(code)
		code = append(code, s)
		return placeholderPrefix + strconv.Itoa(idx) + "\x00"
	}
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		return stash("```" + strings.TrimSuffix(parts[2], "\n") + "```")
	})
	processed = codeRe.ReplaceAllStringFunc(processed, stash)

	lines := strings.Split(processed, "\n")
	for i, line := range lines {
		switch {
		case ruleRe.MatchString(line):
			lines[i] = "──────────"
		case headingRe.MatchString(line):
			m := headingRe.FindStringSubmatch(line)
			lines[i] = "*" + strings.Trim(m[2], "* ") + "*"
		case ulRe.MatchString(line):
			m := ulRe.FindStringSubmatch(line)
			lines[i] = "• " + m[1]
		}
	}
	formatted := strings.Join(lines, "\n")

	formatted = boldRe.ReplaceAllString(formatted, "*$1*")
	formatted = boldAltRe.ReplaceAllString(formatted, "*$1*")
	formatted = strikeRe.ReplaceAllString(formatted, "~$1~")
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], strings.TrimSpace(parts[2])
		lower := strings.ToLower(href)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "mailto:") {
			return label
		}
		if label == href {
			return href
		}
		return label + " (" + href + ")"
	})

	for i, c := range code {
		formatted = strings.Replace(formatted, placeholderPrefix+strconv.Itoa(i)+"\x00", c, 1)
	}
	return formatted
}
