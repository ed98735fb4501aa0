package portal

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// tokenNames are the markup names under which portals expose the
// anti-forgery token.
var tokenNames = []string{
	"__RequestVerificationToken",
	"RequestVerificationToken",
	"csrf-token",
	"_csrf",
}

// Markup order is not guaranteed: some portal versions emit value before
// name. Both orders are scanned.
var (
	reNameFirst  = regexp.MustCompile(`name=["']?(?:__)?RequestVerificationToken["']?[^>]*?value=["']([^"']+)["']`)
	reValueFirst = regexp.MustCompile(`value=["']([^"']+)["'][^>]*?name=["']?(?:__)?RequestVerificationToken["']?`)
)

// ExtractToken scans a login page for the verification token. It first walks
// the markup looking for a hidden input or meta tag with a known name; when
// the page is malformed or the token sits inside script text, the regex pair
// (name-before-value, then value-before-name) is tried on the raw bytes.
// Returns ErrNoToken when nothing matches.
func ExtractToken(page []byte) (string, error) {
	if tok := tokenFromMarkup(page); tok != "" {
		return tok, nil
	}
	if m := reNameFirst.FindSubmatch(page); m != nil {
		return string(m[1]), nil
	}
	if m := reValueFirst.FindSubmatch(page); m != nil {
		return string(m[1]), nil
	}
	return "", ErrNoToken
}

// tokenFromMarkup tokenizes the page and inspects input and meta elements.
// Attribute iteration is inherently order-independent.
func tokenFromMarkup(page []byte) string {
	z := html.NewTokenizer(bytes.NewReader(page))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return ""
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		if tok.Data != "input" && tok.Data != "meta" {
			continue
		}

		var name, value string
		for _, a := range tok.Attr {
			switch a.Key {
			case "name":
				name = a.Val
			case "value", "content":
				value = a.Val
			}
		}
		if value == "" {
			continue
		}
		for _, want := range tokenNames {
			if strings.EqualFold(name, want) {
				return value
			}
		}
	}
}

// looksLikeHTML reports whether a body is markup rather than data. Upstream
// signals session expiry by answering JSON endpoints with the login page.
func looksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] != '<' {
		return false
	}
	lower := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lower, []byte("<!doctype")) ||
		bytes.HasPrefix(lower, []byte("<html")) ||
		bytes.HasPrefix(lower, []byte("<head")) ||
		bytes.HasPrefix(lower, []byte("<body")) ||
		bytes.HasPrefix(lower, []byte("<form")) ||
		bytes.HasPrefix(lower, []byte("<div")) ||
		bytes.HasPrefix(lower, []byte("<script")) ||
		bytes.HasPrefix(lower, []byte("<!--"))
}
