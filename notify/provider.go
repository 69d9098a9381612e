// Package notify formats forum activity alerts and delivers them to a chat.
package notify

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"linuxdo-notifier/pkg/notifier"
)

// Provider delivers already-formatted MarkdownV2 messages.
type Provider interface {
	// Send delivers text to the configured chat.
	Send(ctx context.Context, text string) error
	// Identity returns the bot's username, proving the endpoint is reachable.
	Identity(ctx context.Context) (string, error)
}

// Sender turns monitor events into chat messages using a pluggable provider.
// Delivery is best-effort: failures are logged and never returned.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	loc      *time.Location
	baseURL  string // For links in messages
	site     string // Display name of the forum
}

// New creates a new sender. Timestamps are rendered in loc (time.Local when nil).
func New(provider Provider, logger *slog.Logger, baseURL string, loc *time.Location) *Sender {
	if loc == nil {
		loc = time.Local
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	site := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		site = u.Host
	}
	return &Sender{
		provider: provider,
		logger:   logger,
		loc:      loc,
		baseURL:  baseURL,
		site:     site,
	}
}

// NotifyNewTopic announces a topic started by username.
func (s *Sender) NotifyNewTopic(ctx context.Context, username string, topic *notifier.Topic) {
	s.logger.Info("Sending new topic notification", "user", username, "topic_id", topic.ID, "title", topic.Title)
	s.send(ctx, "new_topic", s.formatNewTopic(username, topic))
}

// NotifyNewReply announces a reply written by username in the topic titled topicTitle.
func (s *Sender) NotifyNewReply(ctx context.Context, username string, post *notifier.Post, topicTitle string) {
	s.logger.Info("Sending new reply notification", "user", username, "post_id", post.ID, "topic_id", post.TopicID)
	s.send(ctx, "new_reply", s.formatNewReply(username, post, topicTitle))
}

// NotifyStartup announces that monitoring started.
func (s *Sender) NotifyStartup(ctx context.Context, usernames []string, interval time.Duration, kinds []string) {
	s.send(ctx, "startup", s.formatStartup(usernames, interval, kinds))
}

// NotifyError reports an operational problem to the chat.
func (s *Sender) NotifyError(ctx context.Context, message string) {
	s.send(ctx, "error", formatError(message))
}

// TestConnection checks that the chat endpoint accepts our credentials.
func (s *Sender) TestConnection(ctx context.Context) bool {
	name, err := s.provider.Identity(ctx)
	if err != nil {
		s.logger.Error("Telegram bot connection failed", "error", err)
		return false
	}
	s.logger.Info("Telegram bot connected", "bot", "@"+name)
	return true
}

func (s *Sender) send(ctx context.Context, kind, text string) {
	if err := s.provider.Send(ctx, text); err != nil {
		s.logger.Error("Failed to send notification", "kind", kind, "error", err)
	}
}
