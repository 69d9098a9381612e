// Package poll runs the monitor loop: startup checks, per-user baselines and
// periodic checks for new topics and replies.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"linuxdo-notifier/pkg/notifier"
	"linuxdo-notifier/source"
)

// ErrNotifierUnreachable is returned by Start when the chat endpoint rejects
// the connection probe.
var ErrNotifierUnreachable = errors.New("notification endpoint unreachable")

// Source fetches a user's activity from the forum.
type Source interface {
	Topics(ctx context.Context, username string) ([]notifier.Topic, error)
	Replies(ctx context.Context, username string) ([]notifier.Post, error)
	SessionValid(ctx context.Context) bool
}

// Store records which items were already seen.
type Store interface {
	IsNewTopic(username string, id int64) bool
	IsNewPost(username string, id int64) bool
	MarkTopicKnown(username string, id int64)
	MarkPostKnown(username string, id int64)
	IsInitialized(username string) bool
	MarkInitialized(username string)
	Persist(ctx context.Context) error
	RecordCheckCompleted(ctx context.Context) error
}

// Notifier delivers alerts. Implementations swallow delivery failures.
type Notifier interface {
	NotifyNewTopic(ctx context.Context, username string, topic *notifier.Topic)
	NotifyNewReply(ctx context.Context, username string, post *notifier.Post, topicTitle string)
	NotifyStartup(ctx context.Context, usernames []string, interval time.Duration, kinds []string)
	NotifyError(ctx context.Context, message string)
	TestConnection(ctx context.Context) bool
}

// Config holds the monitor settings.
type Config struct {
	Users        []string
	Interval     time.Duration
	WatchTopics  bool
	WatchReplies bool
}

// Phase is the monitor's lifecycle state.
type Phase int32

// Lifecycle phases, in the order a healthy monitor passes through them.
const (
	Stopped Phase = iota
	Starting
	Initializing
	Running
)

func (p Phase) String() string {
	switch p {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Monitor handles user activity polling.
type Monitor struct {
	source   Source
	store    Store
	notifier Notifier
	logger   *slog.Logger
	trigger  chan struct{}
	stop     chan struct{}
	cfg      Config
	phase    atomic.Int32
	stopOnce sync.Once
}

// New creates a new monitor.
func New(cfg Config, source Source, store Store, n Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		source:   source,
		store:    store,
		notifier: n,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		cfg:      cfg,
	}
}

// Phase returns the current lifecycle phase.
func (m *Monitor) Phase() Phase {
	return Phase(m.phase.Load())
}

func (m *Monitor) setPhase(p Phase) {
	m.phase.Store(int32(p))
	m.logger.Debug("Monitor phase changed", "phase", p.String())
}

// stopping reports whether Stop was called or ctx is done.
func (m *Monitor) stopping(ctx context.Context) bool {
	select {
	case <-m.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Start validates the endpoints and captures a baseline for every user not yet
// initialized. Only an unreachable notification endpoint is fatal.
func (m *Monitor) Start(ctx context.Context) error {
	m.setPhase(Starting)
	m.logger.Info("Monitor starting", "users", m.cfg.Users, "interval", m.cfg.Interval.String())

	if !m.notifier.TestConnection(ctx) {
		m.setPhase(Stopped)
		return ErrNotifierUnreachable
	}

	if !m.source.SessionValid(ctx) {
		m.logger.Warn("Forum session check failed, the cookie may have expired; continuing anyway")
	}

	m.setPhase(Initializing)
	for _, username := range m.cfg.Users {
		if m.stopping(ctx) {
			break
		}
		if m.store.IsInitialized(username) {
			continue
		}
		if err := m.initializeUser(ctx, username); err != nil {
			m.logger.Error("Failed to initialize user", "user", username, "error", err)
		}
	}
	return nil
}

// initializeUser records every current topic and reply of username as known
// without sending notifications.
func (m *Monitor) initializeUser(ctx context.Context, username string) error {
	m.logger.Info("Initializing user baseline", "user", username)

	topics, err := m.source.Topics(ctx, username)
	if err != nil {
		return err
	}
	for i := range topics {
		m.store.MarkTopicKnown(username, topics[i].ID)
	}
	m.logger.Info("Recorded existing topics", "user", username, "count", len(topics))

	posts, err := m.source.Replies(ctx, username)
	if err != nil {
		return err
	}
	for i := range posts {
		m.store.MarkPostKnown(username, posts[i].ID)
	}
	m.logger.Info("Recorded existing replies", "user", username, "count", len(posts))

	m.store.MarkInitialized(username)
	if err := m.store.Persist(ctx); err != nil {
		m.logger.Warn("State not saved after initialization", "user", username, "error", err)
	}
	return nil
}

// Run sends the startup notification, checks immediately and then once per
// interval until ctx is cancelled or Stop is called. A tick that fires while a
// check is still running is dropped, so checks never overlap.
func (m *Monitor) Run(ctx context.Context) error {
	// Stop closes the channel before it sets Stopped, so checking after
	// entering Running cannot leave a stopped monitor reporting running.
	m.setPhase(Running)
	if m.stopping(ctx) {
		m.setPhase(Stopped)
		return nil
	}
	m.notifier.NotifyStartup(ctx, m.cfg.Users, m.cfg.Interval, m.kinds())
	m.logger.Info("Monitoring started", "interval", m.cfg.Interval.String())

	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return nil
		case <-m.stop:
			m.setPhase(Stopped)
			return nil
		case <-ticker.C:
			m.Check(ctx)
		case <-m.trigger:
			m.logger.Info("Manual check triggered")
			m.Check(ctx)
		}
	}
}

// Stop ends the loop. It is safe to call more than once and from any goroutine.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.setPhase(Stopped)
		m.logger.Info("Monitor stopped")
	})
}

// TriggerCheck asks the loop to run a check as soon as it is idle.
// Requests made while one is already pending are merged.
func (m *Monitor) TriggerCheck() bool {
	select {
	case m.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Monitor) kinds() []string {
	var kinds []string
	if m.cfg.WatchTopics {
		kinds = append(kinds, "topics")
	}
	if m.cfg.WatchReplies {
		kinds = append(kinds, "replies")
	}
	return kinds
}

// cycleStats summarizes one check cycle.
type cycleStats struct {
	users     int
	newTopics int
	newPosts  int
	failures  int
}

// Check runs one check cycle over all users. Failures are isolated per user.
func (m *Monitor) Check(ctx context.Context) {
	if m.stopping(ctx) {
		return
	}

	start := time.Now()
	m.logger.Info("Checking users", "count", len(m.cfg.Users), "timestamp", start.Format(time.RFC3339))

	var stats cycleStats
	for _, username := range m.cfg.Users {
		if m.stopping(ctx) {
			m.logger.Info("Stop requested, ending check early")
			return
		}
		stats.users++

		if err := m.checkUser(ctx, username, &stats); err != nil {
			stats.failures++
			m.logger.Warn("User check failed", "user", username, "error", err)

			if source.IsAuthFailure(err) {
				m.notifier.NotifyError(ctx, "Access denied while checking "+username+": the cookie may have expired, please update the configuration. ("+err.Error()+")")
			}
			// Continue with other users despite errors
		}
	}

	if err := m.store.RecordCheckCompleted(ctx); err != nil {
		m.logger.Warn("State not saved after check", "error", err)
	}

	m.logger.Info("Check completed",
		"users", stats.users,
		"new_topics", stats.newTopics,
		"new_replies", stats.newPosts,
		"failures", stats.failures,
		"duration_ms", time.Since(start).Milliseconds())
}

func (m *Monitor) checkUser(ctx context.Context, username string, stats *cycleStats) error {
	// A user whose baseline failed at startup gets one now instead of a flood
	// of notifications for old content.
	if !m.store.IsInitialized(username) {
		return m.initializeUser(ctx, username)
	}

	if m.cfg.WatchTopics {
		n, err := m.checkTopics(ctx, username)
		stats.newTopics += n
		if err != nil {
			return err
		}
	}

	if m.cfg.WatchReplies {
		n, err := m.checkReplies(ctx, username)
		stats.newPosts += n
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) checkTopics(ctx context.Context, username string) (int, error) {
	topics, err := m.source.Topics(ctx, username)
	if err != nil {
		return 0, err
	}

	newCount := 0
	for i := range topics {
		topic := &topics[i]
		if !m.store.IsNewTopic(username, topic.ID) {
			continue
		}
		newCount++
		m.logger.Info("New topic detected", "user", username, "topic_id", topic.ID, "title", topic.Title)

		m.notifier.NotifyNewTopic(ctx, username, topic)
		m.store.MarkTopicKnown(username, topic.ID)
	}

	if newCount > 0 {
		m.logger.Info("New topics found", "user", username, "count", newCount)
		if err := m.store.Persist(ctx); err != nil {
			m.logger.Warn("State not saved after new topics", "user", username, "error", err)
		}
	}
	return newCount, nil
}

func (m *Monitor) checkReplies(ctx context.Context, username string) (int, error) {
	posts, err := m.source.Replies(ctx, username)
	if err != nil {
		return 0, err
	}

	newCount := 0
	for i := range posts {
		post := &posts[i]
		if !m.store.IsNewPost(username, post.ID) {
			continue
		}
		newCount++
		m.logger.Info("New reply detected", "user", username, "post_id", post.ID, "topic_id", post.TopicID)

		m.notifier.NotifyNewReply(ctx, username, post, post.TopicTitle)
		m.store.MarkPostKnown(username, post.ID)
	}

	if newCount > 0 {
		m.logger.Info("New replies found", "user", username, "count", newCount)
		if err := m.store.Persist(ctx); err != nil {
			m.logger.Warn("State not saved after new replies", "user", username, "error", err)
		}
	}
	return newCount, nil
}
