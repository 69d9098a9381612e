package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"linuxdo-notifier/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{level: "debug"},
		{level: "info"},
		{level: "WARN"},
		{level: "error"},
		{level: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			_, err := newLogger(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("newLogger(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LINUXDO_COOKIE", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "STORAGE_BUCKET", "GOOGLE_CREDENTIALS_JSON"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunOnceDryRun(t *testing.T) {
	clearEnv(t)

	forum := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/session/current.json":
			fmt.Fprint(w, `{"current_user":{"username":"me"}}`)
		case "/u/alice/activity/topics.json":
			fmt.Fprint(w, `{"topic_list":{"topics":[{"id":1,"title":"Hello","slug":"hello"}]}}`)
		case "/u/alice/activity/replies.json":
			fmt.Fprint(w, `{"post_list":{"posts":[{"id":10,"topic_id":1,"post_number":2,"excerpt":"hi"}]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer forum.Close()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	path := writeConfig(t, dir, map[string]any{
		"cookie":       "_t=abc",
		"baseUrl":      forum.URL,
		"monitorUsers": []string{"alice"},
		"state":        map[string]any{"driver": "file", "path": statePath},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := &options{configPath: path, logLevel: "info", dryRun: true, once: true}
	if err := run(context.Background(), opts, logger); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	var doc struct {
		Users map[string]struct {
			TopicIDs    []int64 `json:"topicIds"`
			PostIDs     []int64 `json:"postIds"`
			Initialized bool    `json:"initialized"`
		} `json:"users"`
		LastCheck *string `json:"lastCheck"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	alice, ok := doc.Users["alice"]
	if !ok || !alice.Initialized {
		t.Fatalf("alice not initialized in %s", data)
	}
	if len(alice.TopicIDs) != 1 || len(alice.PostIDs) != 1 {
		t.Errorf("alice = %+v, want one topic and one reply", alice)
	}
	if doc.LastCheck == nil {
		t.Error("lastCheck not recorded")
	}
}

func TestRunInvalidConfig(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"cookie":       "_t=abc",
		"monitorUsers": []string{"alice"},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Telegram settings are required outside dry-run mode.
	err := run(context.Background(), &options{configPath: path, logLevel: "info"}, logger)
	if !config.IsValidationError(err) {
		t.Errorf("run error = %v, want a validation error", err)
	}
}
