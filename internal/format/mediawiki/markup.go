package mediawiki

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

var (
	otherUses = regexp.MustCompile(`(?i)\{\{Other uses[^{}]*\}\}`)
	template  = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	refs      = regexp.MustCompile(`(?s)<ref[^>/]*/>|<ref[^>]*>.*?</ref>`)
	comments  = regexp.MustCompile(`(?s)<!--.*?-->`)
	wikiLink  = regexp.MustCompile(`\[\[([^\]|]+)(?:\|([^\]]+))?\]\]`)
	extLink   = regexp.MustCompile(`\[(https?://[^\s\]]+)(?:\s+([^\]]+))?\]`)
	paragraph = regexp.MustCompile(`\n{2,}`)
)

// rules run in order; longer markers come first so '''bold''' is not read
// as ''italic''.
var rules = []rule{
	{regexp.MustCompile(`(?m)^======\s*(.+?)\s*======\s*$`), "<h6>$1</h6>"},
	{regexp.MustCompile(`(?m)^=====\s*(.+?)\s*=====\s*$`), "<h5>$1</h5>"},
	{regexp.MustCompile(`(?m)^====\s*(.+?)\s*====\s*$`), "<h4>$1</h4>"},
	{regexp.MustCompile(`(?m)^===\s*(.+?)\s*===\s*$`), "<h3>$1</h3>"},
	{regexp.MustCompile(`(?m)^==\s*(.+?)\s*==\s*$`), "<h2>$1</h2>"},
	{regexp.MustCompile(`'''''(.+?)'''''`), "<b><i>$1</i></b>"},
	{regexp.MustCompile(`'''(.+?)'''`), "<b>$1</b>"},
	{regexp.MustCompile(`''(.+?)''`), "<i>$1</i>"},
	{regexp.MustCompile(`(?m)^-{4,}\s*$`), "<hr>"},
	{regexp.MustCompile(`(?m)^\*+\s*(.+)$`), "<li>$1</li>"},
	{regexp.MustCompile(`(?m)^#+\s*(.+)$`), "<li>$1</li>"},
	{regexp.MustCompile(`(?m)^;\s*(.+)$`), "<dt>$1</dt>"},
	{regexp.MustCompile(`(?m)^:\s*(.+)$`), "<dd>$1</dd>"},
}

// ToHTML converts wiki markup to approximate HTML. Internal links point
// below base. The conversion is best effort: unknown markup passes through.
func ToHTML(markup, base string) string {
	s := otherUses.ReplaceAllString(markup, "")
	s = comments.ReplaceAllString(s, "")
	s = refs.ReplaceAllString(s, "")
	// Templates nest; strip innermost first until none remain.
	for i := 0; i < 8 && template.MatchString(s); i++ {
		s = template.ReplaceAllString(s, "")
	}
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	s = wikiLink.ReplaceAllStringFunc(s, func(m string) string {
		sub := wikiLink.FindStringSubmatch(m)
		target, label := strings.TrimSpace(sub[1]), sub[2]
		if label == "" {
			label = target
		}
		href := base + strings.ReplaceAll(target, " ", "_")
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), label)
	})
	s = extLink.ReplaceAllStringFunc(s, func(m string) string {
		sub := extLink.FindStringSubmatch(m)
		label := sub[2]
		if label == "" {
			label = sub[1]
		}
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(sub[1]), label)
	})
	s = paragraph.ReplaceAllString(strings.TrimSpace(s), "\n<p>\n")
	return s
}
