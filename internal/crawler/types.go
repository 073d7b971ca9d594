package crawler

import (
	"fmt"
	"strings"
	"time"
)

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job states in lifecycle order. Failed is reachable from any non-terminal state.
const (
	StateQueued    JobState = "queued"
	StateScraping  JobState = "scraping"
	StateAnalyzing JobState = "analyzing"
	StateExporting JobState = "exporting"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

var stateRank = map[JobState]int{
	StateQueued:    0,
	StateScraping:  1,
	StateAnalyzing: 2,
	StateExporting: 3,
	StateCompleted: 4,
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Running reports whether the job is actively being worked on.
func (s JobState) Running() bool {
	return s == StateScraping || s == StateAnalyzing || s == StateExporting
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	cur, ok := stateRank[s]
	if !ok {
		return false
	}
	nxt, ok := stateRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// OutputFormat selects which report files the export step renders.
type OutputFormat string

// Supported report formats.
const (
	FormatXLSX OutputFormat = "xlsx"
	FormatCSV  OutputFormat = "csv"
	FormatBoth OutputFormat = "both"
)

// ParseOutputFormat validates a user supplied format, defaulting to xlsx.
func ParseOutputFormat(raw string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatBoth:
		return FormatBoth, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", raw)
	}
}

// Extensions lists the file extensions rendered for the format.
func (f OutputFormat) Extensions() []string {
	switch f {
	case FormatCSV:
		return []string{"csv"}
	case FormatBoth:
		return []string{"xlsx", "csv"}
	default:
		return []string{"xlsx"}
	}
}

// JobOptions captures the knobs a client chooses at submission time.
type JobOptions struct {
	SeedURL      string       `json:"seed_url"`
	MaxPages     int          `json:"max_pages"`
	UseCache     bool         `json:"use_cache"`
	UseAI        bool         `json:"use_ai"`
	OutputFormat OutputFormat `json:"output_format"`
	NotifyEmail  string       `json:"notify_email,omitempty"`
}

// JobStats summarizes a job's page outcomes and analysis spend.
type JobStats struct {
	TotalPages      int     `json:"total_pages"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
	Analyzed        int     `json:"analyzed"`
	DurationSeconds float64 `json:"duration_seconds"`
	TotalTokens     int64   `json:"total_tokens"`
	TotalCost       float64 `json:"total_cost"`
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	APICallsSaved   int64   `json:"api_calls_saved"`
}

// Job is the mutable record owned by the runner executing it.
type Job struct {
	ID          string
	Options     JobOptions
	State       JobState
	Progress    int
	Total       int
	Message     string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ResultFiles []string
	Stats       *JobStats
}

// Snapshot is the immutable, externally visible view of a Job.
type Snapshot struct {
	JobID       string     `json:"job_id"`
	URL         string     `json:"url"`
	Status      JobState   `json:"status"`
	Message     string     `json:"message"`
	Progress    int        `json:"progress"`
	Total       int        `json:"total"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ResultFile  *string    `json:"result_file"`
	ResultFiles []string   `json:"result_files,omitempty"`
	Stats       *JobStats  `json:"stats"`
}

// Snapshot copies the observable fields of the job.
func (j Job) Snapshot() Snapshot {
	snap := Snapshot{
		JobID:     j.ID,
		URL:       j.Options.SeedURL,
		Status:    j.State,
		Message:   j.Message,
		Progress:  j.Progress,
		Total:     j.Total,
		CreatedAt: j.CreatedAt,
	}
	if j.CompletedAt != nil {
		done := *j.CompletedAt
		snap.CompletedAt = &done
	}
	if len(j.ResultFiles) > 0 {
		first := j.ResultFiles[0]
		snap.ResultFile = &first
		snap.ResultFiles = append([]string(nil), j.ResultFiles...)
	}
	if j.Stats != nil {
		stats := *j.Stats
		snap.Stats = &stats
	}
	return snap
}

// FetchStatus is the discriminator of a FetchOutcome.
type FetchStatus string

// Fetch outcomes.
const (
	FetchOK      FetchStatus = "ok"
	FetchError   FetchStatus = "error"
	FetchSkipped FetchStatus = "skipped"
)

// FetchOutcome is the result of fetching one URL: Ok, Error(reason), or Skipped(reason).
// Use the OK, Failed and Skipped constructors rather than building it by hand.
type FetchOutcome struct {
	Status     FetchStatus `json:"status"`
	StatusCode int         `json:"status_code,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Kind       ErrorKind   `json:"error_kind,omitempty"`
}

// OK builds a successful outcome.
func OK(statusCode int) FetchOutcome {
	return FetchOutcome{Status: FetchOK, StatusCode: statusCode}
}

// Failed builds an error outcome from a classified call error.
func Failed(err *CallError) FetchOutcome {
	if err == nil {
		return FetchOutcome{Status: FetchError, Kind: KindUnknown, Reason: "unknown error"}
	}
	return FetchOutcome{
		Status:     FetchError,
		StatusCode: err.StatusCode,
		Reason:     err.Error(),
		Kind:       err.Kind,
	}
}

// Skipped builds a skipped outcome.
func Skipped(statusCode int, reason string) FetchOutcome {
	return FetchOutcome{Status: FetchSkipped, StatusCode: statusCode, Reason: reason}
}

// PageFields are the raw values extracted from an HTML page.
type PageFields struct {
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Keywords      []string `json:"keywords,omitempty"`
	Headings      []string `json:"headings,omitempty"`
	H1Count       int      `json:"h1_count"`
	WordCount     int      `json:"word_count"`
	InternalLinks int      `json:"internal_links"`
	ExternalLinks int      `json:"external_links"`
	Images        int      `json:"images"`
	Links         []string `json:"links,omitempty"`
	Text          string   `json:"text,omitempty"`
	Fingerprint   string   `json:"fingerprint"`
}

// Analysis is the AI-derived metadata attached to a page.
type Analysis struct {
	Summary        string   `json:"summary"`
	PrimaryTopic   string   `json:"primary_topic"`
	Keywords       []string `json:"keywords"`
	TargetAudience string   `json:"target_audience"`
	QualityScore   int      `json:"quality_score"`
	ContentType    string   `json:"content_type"`
	SEOScore       int      `json:"seo_score"`
	Sentiment      string   `json:"sentiment"`
}

// Usage captures token consumption and cost of one analysis call.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Tokens returns the total token count.
func (u Usage) Tokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// PageRecord is the per-URL result owned by a job.
type PageRecord struct {
	URL        string       `json:"url"`
	Outcome    FetchOutcome `json:"outcome"`
	Fields     *PageFields  `json:"fields,omitempty"`
	Analysis   *Analysis    `json:"analysis,omitempty"`
	FetchedAt  time.Time    `json:"fetched_at"`
	DurationMs int64        `json:"duration_ms"`
	FromCache  bool         `json:"from_cache"`
}

// OK reports whether the page was fetched and parsed successfully.
func (p PageRecord) OK() bool {
	return p.Outcome.Status == FetchOK && p.Fields != nil
}

// CacheStats is the aggregate cache view over a rolling window.
type CacheStats struct {
	CachedPages     int64   `json:"cached_pages"`
	CachedAnalyses  int64   `json:"cached_analyses"`
	TotalAccesses   int64   `json:"total_accesses"`
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
	APICallsSaved   int64   `json:"api_calls_saved"`
	CostSaved       float64 `json:"cost_saved"`
	TotalTokensUsed int64   `json:"total_tokens_used"`
	TotalCost       float64 `json:"total_cost"`
	WindowDays      int     `json:"window_days"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID string
	URL   string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Attempt   int
	Submitted int64
}
