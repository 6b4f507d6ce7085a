package usage

// Data is the root structure stored in persistence.
type Data struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by dimension.
type AggregatedStats struct {
	Total         TokenCounts            `json:"total"`
	ByProvider    map[string]TokenCounts `json:"by_provider"`
	ByModel       map[string]TokenCounts `json:"by_model"`
	ByRequestType map[string]TokenCounts `json:"by_request_type"`
	BySession     map[string]TokenCounts `json:"by_session"`
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Add accumulates a transaction into the counts.
func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}
