// Package measurement defines the core domain types shared by the
// ingestion, storage, queue and cache layers.
package measurement

import "time"

// Measurement is a single typed numeric data point. Immutable once
// persisted; Timestamp defaults to ingestion time when absent.
type Measurement struct {
	ID        string         `json:"id,omitempty" bson:"_id,omitempty"`
	Type      string         `json:"type" bson:"type"`
	Value     float64        `json:"value" bson:"value"`
	Metadata  map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
}

// StatsSnapshot summarizes a set of measurements. Derived data, never a
// source of truth: always reconstructable from raw measurements.
type StatsSnapshot struct {
	TotalPoints int64          `json:"total_points"`
	AvgValue    float64        `json:"avg_value"`
	MinValue    float64        `json:"min_value"`
	MaxValue    float64        `json:"max_value"`
	DataByType  map[string]int `json:"data_by_type"`
}

// Bucket is one time-interval aggregate produced by interval bucketing.
type Bucket struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int64     `json:"count"`
	AvgValue  float64   `json:"avg_value"`
	SumValue  float64   `json:"sum_value"`
}

// ProcessBatchJob is the payload carried by a queued processing job.
// One chunk of at most config.ChunkSize measurements per job.
type ProcessBatchJob struct {
	BatchID  string        `json:"batch_id"`
	Priority int           `json:"priority"`
	Data     []Measurement `json:"data"`
}

// HistoryQuery selects a page of historical measurements.
type HistoryQuery struct {
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
	Type  string    `json:"type,omitempty"`
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Pagination describes the page position of a HistoryPage.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
	HasNext    bool  `json:"hasNext"`
	HasPrev    bool  `json:"hasPrev"`
}

// HistoryPage is one page of measurements plus its pagination envelope.
type HistoryPage struct {
	Data       []Measurement `json:"data"`
	Pagination Pagination    `json:"pagination"`
}

// IngestResult reports how a batch was routed.
type IngestResult struct {
	BatchID string `json:"batch_id"`
	Queued  bool   `json:"queued"`
}

// ProcessResult is returned by the batch processor on success.
type ProcessResult struct {
	BatchID        string        `json:"batch_id"`
	ProcessedCount int           `json:"processed_count"`
	Stats          StatsSnapshot `json:"stats"`
}
