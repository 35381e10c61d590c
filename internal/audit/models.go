package audit

// Entry statuses.
const (
	StatusForwarded = "forwarded"
	StatusBlocked   = "blocked"
	StatusMasked    = "masked"
	StatusError     = "error"
)

// Entry is one audited gateway request.
type Entry struct {
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
	Client        string `json:"client"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	Status        string `json:"status"`
	DetectionKind string `json:"detection_type,omitempty"`
	Reason        string `json:"reason,omitempty"`
	MaskedCount   int    `json:"masked_count,omitempty"`
	LatencyMs     int64  `json:"latency_ms"`

	// flushAck, when set, marks a synchronization marker instead of a
	// real entry. The write loop closes it once reached.
	flushAck chan struct{}
}

// QueryOpts holds filters for audit log queries.
type QueryOpts struct {
	Status   string
	Provider string
	Model    string
	Since    string
	Limit    int
}

// StatusCounts aggregates entries per status.
type StatusCounts struct {
	Forwarded int `json:"forwarded"`
	Blocked   int `json:"blocked"`
	Masked    int `json:"masked"`
	Errors    int `json:"errors"`
	Total     int `json:"total"`
}

// ProviderStat holds aggregated counts for a single provider.
type ProviderStat struct {
	Provider     string  `json:"provider"`
	Total        int     `json:"total"`
	Blocked      int     `json:"blocked"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}
