// Package notifier contains the core domain types for the forum activity notifier.
package notifier

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Topic is a topic started by a watched user.
type Topic struct {
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	ID        int64     `json:"id"`
}

// Post is a reply written by a watched user.
type Post struct {
	CreatedAt  time.Time `json:"created_at"`
	TopicTitle string    `json:"topic_title"`
	TopicSlug  string    `json:"topic_slug"`
	Excerpt    string    `json:"excerpt"` // May contain HTML markup
	Raw        string    `json:"raw"`     // Markdown source, rarely present in activity feeds
	Cooked     string    `json:"cooked"`  // Rendered HTML
	ID         int64     `json:"id"`
	TopicID    int64     `json:"topic_id"`
	PostNumber int       `json:"post_number"`
}

// Summary returns the reply text as plain text: the excerpt when the forum
// provided one, otherwise the raw source, otherwise the rendered body.
func (p *Post) Summary() string {
	switch {
	case strings.TrimSpace(p.Excerpt) != "":
		return PlainText(p.Excerpt)
	case strings.TrimSpace(p.Raw) != "":
		return collapseSpace(p.Raw)
	default:
		return PlainText(p.Cooked)
	}
}

// PlainText strips HTML markup and entities from a fragment and collapses whitespace.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return collapseSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapseSpace(fragment)
	}
	return collapseSpace(doc.Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
