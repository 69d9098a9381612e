package notify

import (
	"context"
	"log/slog"
)

// MockProvider logs messages instead of sending them, for dry runs.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(_ context.Context, text string) error {
	m.logger.Info("MOCK MESSAGE", "length", len(text), "text", text)
	return nil
}

// Identity always succeeds.
func (m *MockProvider) Identity(context.Context) (string, error) {
	return "mock", nil
}
