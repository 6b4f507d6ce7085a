// Package usage records token consumption per provider, model, and
// request-type tag, with JSON persistence under .termhint/usage.json.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"termhint/internal/logging"
)

type trackerKey struct{}
type sessionKey struct{}

// Tracker manages token usage recording and persistence.
type Tracker struct {
	mu       sync.Mutex
	data     Data
	filePath string
}

// NewTracker creates a usage tracker persisting under the workspace's
// .termhint directory.
func NewTracker(workspacePath string) (*Tracker, error) {
	dir := filepath.Join(workspacePath, ".termhint")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .termhint dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dir, "usage.json"),
		data: Data{
			Version: "1.0",
			Aggregate: AggregatedStats{
				ByProvider:    make(map[string]TokenCounts),
				ByModel:       make(map[string]TokenCounts),
				ByRequestType: make(map[string]TokenCounts),
				BySession:     make(map[string]TokenCounts),
			},
		},
	}

	if err := t.Load(); err != nil {
		logging.UsageDebug("could not load usage data, starting fresh: %v", err)
	}
	return t, nil
}

// Load reads the usage data from disk. A missing file is not an error.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	// Ensure maps are initialized if file was empty/partial
	if t.data.Aggregate.ByProvider == nil {
		t.data.Aggregate.ByProvider = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByRequestType == nil {
		t.data.Aggregate.ByRequestType = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.BySession == nil {
		t.data.Aggregate.BySession = make(map[string]TokenCounts)
	}
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records a new usage event.
func (t *Tracker) Track(ctx context.Context, model, provider string, input, output int, requestType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if requestType == "" {
		requestType = "general"
	}
	sessionID := "unknown"
	if v, ok := ctx.Value(sessionKey{}).(string); ok && v != "" {
		sessionID = v
	}

	t.data.Aggregate.Total.Add(input, output)
	addToMap(t.data.Aggregate.ByProvider, provider, input, output)
	addToMap(t.data.Aggregate.ByModel, model, input, output)
	addToMap(t.data.Aggregate.ByRequestType, requestType, input, output)
	addToMap(t.data.Aggregate.BySession, sessionID, input, output)

	logging.UsageDebug("tracked: provider=%s model=%s type=%s in=%d out=%d",
		provider, model, requestType, input, output)
}

// Stats returns a copy of the aggregated statistics.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return AggregatedStats{
		Total:         t.data.Aggregate.Total,
		ByProvider:    copyTokenCountsMap(t.data.Aggregate.ByProvider),
		ByModel:       copyTokenCountsMap(t.data.Aggregate.ByModel),
		ByRequestType: copyTokenCountsMap(t.data.Aggregate.ByRequestType),
		BySession:     copyTokenCountsMap(t.data.Aggregate.BySession),
	}
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	tc := m[key]
	tc.Add(input, output)
	m[key] = tc
}

// NewContext attaches the tracker to a context.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// FromContext retrieves the tracker from the context, or nil.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}

// WithSession attaches a session id used as an aggregation dimension.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}
