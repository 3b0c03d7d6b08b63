package model

import "time"

// BatchReport summarizes one pipeline run over a batch of items. A row
// per batch lands in the store so `status` can report across history.
type BatchReport struct {
	ID                 string         `json:"id"`
	Tenant             string         `json:"tenant"`
	ItemsIn            int            `json:"items_in"`
	ItemsOut           int            `json:"items_out"`
	Sectors            map[string]int `json:"sectors,omitempty"`
	SourceCalls        map[string]int `json:"source_calls,omitempty"`
	CacheHits          int            `json:"cache_hits"`
	CacheMisses        int            `json:"cache_misses"`
	RateLimited        int            `json:"rate_limited"`
	DuplicatesMerged   int            `json:"duplicates_merged"`
	SuggestionsApplied int            `json:"suggestions_applied"`
	SuggestionsOpen    int            `json:"suggestions_open"`
	DegradedEvents     int            `json:"degraded_events"`
	DurationMS         int64          `json:"duration_ms"`
	StartedAt          time.Time      `json:"started_at"`
}
