package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"linuxdo-notifier/pkg/notifier"
)

const (
	maxExcerptRunes = 200
	timeLayout      = "2006-01-02 15:04:05"
	unknownTopic    = "Unknown topic"
)

// markdownReserved is every character MarkdownV2 requires escaping in text.
const markdownReserved = "_*[]()~`>#+-=|{}.!\\"

// EscapeMarkdown escapes text for Telegram's MarkdownV2 parse mode so that
// user-authored content cannot break message formatting.
func EscapeMarkdown(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(markdownReserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeLinkTarget escapes the part inside (...) of an inline link.
func escapeLinkTarget(u string) string {
	return strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(u)
}

// Truncate shortens text to at most maxRunes characters, appending "..." when cut.
func Truncate(text string, maxRunes int) string {
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes]) + "..."
}

func link(label, target string) string {
	return fmt.Sprintf("[%s](%s)", EscapeMarkdown(label), escapeLinkTarget(target))
}

func (s *Sender) formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return EscapeMarkdown(t.In(s.loc).Format(timeLayout))
}

func (s *Sender) topicURL(topic *notifier.Topic) string {
	return fmt.Sprintf("%s/t/%s/%d", s.baseURL, slugOrDefault(topic.Slug), topic.ID)
}

func (s *Sender) postURL(post *notifier.Post) string {
	return fmt.Sprintf("%s/t/%s/%d/%d", s.baseURL, slugOrDefault(post.TopicSlug), post.TopicID, post.PostNumber)
}

func slugOrDefault(slug string) string {
	if slug == "" {
		return "topic"
	}
	return slug
}

func (s *Sender) formatNewTopic(username string, topic *notifier.Topic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🆕 *%s* posted a new topic\n\n", EscapeMarkdown(username))
	fmt.Fprintf(&b, "📌 *%s*\n\n", EscapeMarkdown(topic.Title))
	fmt.Fprintf(&b, "🔗 %s\n\n", link("View topic", s.topicURL(topic)))
	fmt.Fprintf(&b, "⏰ %s", s.formatTime(topic.CreatedAt))
	return b.String()
}

func (s *Sender) formatNewReply(username string, post *notifier.Post, topicTitle string) string {
	if strings.TrimSpace(topicTitle) == "" {
		topicTitle = unknownTopic
	}

	var b strings.Builder
	fmt.Fprintf(&b, "💬 *%s* posted a new reply\n\n", EscapeMarkdown(username))
	fmt.Fprintf(&b, "📌 Topic: *%s*\n\n", EscapeMarkdown(topicTitle))
	if excerpt := post.Summary(); excerpt != "" {
		fmt.Fprintf(&b, "📝 %s\n\n", EscapeMarkdown(Truncate(excerpt, maxExcerptRunes)))
	}
	fmt.Fprintf(&b, "🔗 %s\n\n", link("View reply", s.postURL(post)))
	fmt.Fprintf(&b, "⏰ %s", s.formatTime(post.CreatedAt))
	return b.String()
}

func (s *Sender) formatStartup(usernames []string, interval time.Duration, kinds []string) string {
	watching := "nothing"
	if len(kinds) > 0 {
		watching = strings.Join(kinds, " + ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚀 *%s*\n\n", EscapeMarkdown(s.site+" monitor started"))
	fmt.Fprintf(&b, "👤 Watching users: %s\n", EscapeMarkdown(strings.Join(usernames, ", ")))
	fmt.Fprintf(&b, "⏱️ Check interval: %s seconds\n\n", EscapeMarkdown(fmt.Sprint(int64(interval/time.Second))))
	fmt.Fprintf(&b, "Watching: %s", EscapeMarkdown(watching))
	return b.String()
}

func formatError(message string) string {
	var b strings.Builder
	b.WriteString("⚠️ *Monitor error*\n\n")
	fmt.Fprintf(&b, "%s\n\n", EscapeMarkdown(message))
	b.WriteString(EscapeMarkdown("Check the configuration or whether the cookie has expired."))
	return b.String()
}
