// Package content renders comment markdown and extracts the signals the
// moderation rules read from it.
package content

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	ghtml "github.com/yuin/goldmark/renderer/html"
)

// Renderer converts raw markdown into sanitized HTML
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// NewRenderer returns a renderer using GitHub-flavored markdown and the UGC
// sanitizing policy. Comment bodies never get images or heading ids.
func NewRenderer() *Renderer {
	policy := bluemonday.UGCPolicy()
	policy.AddTargetBlankToFullyQualifiedLinks(true)
	policy.RequireNoReferrerOnLinks(true)
	policy.RequireNoFollowOnLinks(true)

	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				ghtml.WithHardWraps(),
				ghtml.WithXHTML(),
			),
		),
		policy: policy,
	}
}

// Render returns the sanitized HTML for raw. If markdown conversion fails the
// escaped source is returned.
func (r *Renderer) Render(raw string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(raw), &buf); err != nil {
		return html.EscapeString(raw)
	}
	return strings.TrimSpace(string(r.policy.SanitizeBytes(buf.Bytes())))
}

var (
	mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9][A-Za-z0-9_.-]{0,63})`)
	linkPattern    = regexp.MustCompile(`(?i)\bhttps?://[^\s<>()\[\]]+|\bwww\.[^\s<>()\[\]]+`)
)

// Mentions returns the distinct @handles in raw in order of first appearance.
// Trailing dots are not part of a handle.
func Mentions(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(raw, -1) {
		handle := strings.TrimRight(m[1], ".")
		if handle == "" || seen[handle] {
			continue
		}
		seen[handle] = true
		out = append(out, handle)
	}
	return out
}

// LinkCount returns the number of URLs in raw
func LinkCount(raw string) int {
	return len(linkPattern.FindAllStringIndex(raw, -1))
}

// Length returns the length of raw in characters
func Length(raw string) int {
	return utf8.RuneCountInString(raw)
}

// WordList counts occurrences of configured sensitive words
type WordList struct {
	words map[string]struct{}
}

// NewWordList builds a case-insensitive word list
func NewWordList(words []string) *WordList {
	wl := &WordList{words: make(map[string]struct{}, len(words))}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			wl.words[w] = struct{}{}
		}
	}
	return wl
}

// Count returns how many words of raw are in the list
func (wl *WordList) Count(raw string) int {
	if wl == nil || len(wl.words) == 0 {
		return 0
	}
	n := 0
	for _, f := range strings.FieldsFunc(strings.ToLower(raw), isSeparator) {
		if _, ok := wl.words[f]; ok {
			n++
		}
	}
	return n
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
}
