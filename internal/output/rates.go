package output

import (
	"time"

	"github.com/marketsync/marketsync/internal/core/store"
)

type ratesView struct {
	entries []store.EndpointRateEntry
}

func (v ratesView) title() string { return "" }

func (v ratesView) header() []any {
	return []any{"ID", "Run", "Endpoint", "Window", "OK", "429", "WAF", "5xx", "Net", "4xx", "Delay"}
}

func (v ratesView) rows() [][]any {
	rows := make([][]any, 0, len(v.entries))
	for _, entry := range v.entries {
		s := entry.Snapshot
		rows = append(rows, []any{
			entry.ID,
			s.RunID,
			s.EndpointTag,
			s.Timestamp.UTC().Format(time.RFC3339),
			s.OK,
			s.RateLimit,
			s.WAF,
			s.ServerError,
			s.NetworkError,
			s.ClientError,
			(time.Duration(s.RecommendedDelayMS) * time.Millisecond).String(),
		})
	}
	return rows
}

func (v ratesView) footer() []any {
	return []any{"", "", "snapshots", len(v.entries), "", "", "", "", "", "", ""}
}

// RenderEndpointRates renders persisted tracker snapshots, newest first.
func RenderEndpointRates(format Format, entries []store.EndpointRateEntry) (string, error) {
	if entries == nil {
		entries = []store.EndpointRateEntry{}
	}
	return render(format, entries, ratesView{entries: entries})
}
