package core

import "time"

// UsageEvent is one processed upstream request, immutable once recorded.
// It is the unit the ledger persists and the fast store folds into counters.
type UsageEvent struct {
	ID         string        `json:"id"`
	OccurredAt time.Time     `json:"occurred_at"`
	AccountID  string        `json:"account_id"`
	APIKeyID   string        `json:"api_key_id"`
	Model      string        `json:"model"`
	Usage      Usage         `json:"usage"`
	Status     RequestStatus `json:"status"`

	ResponseLatencyMs int    `json:"response_latency_ms,omitempty"`
	HTTPStatus        int    `json:"http_status,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	Retries           int    `json:"retries,omitempty"`
	ClientType        string `json:"client_type,omitempty"`
	Region            string `json:"region,omitempty"`
}

// BillingPeriodKey returns the YYYY-MM bucket the event's cost belongs to.
func (e UsageEvent) BillingPeriodKey() string {
	return BillingPeriod(e.OccurredAt)
}

// UsageDate returns the event's UTC calendar date as YYYY-MM-DD, the
// denormalized column range scans key on.
func (e UsageEvent) UsageDate() string {
	return e.OccurredAt.UTC().Format("2006-01-02")
}

// UsageHour returns the event's UTC hour of day, 0 through 23.
func (e UsageEvent) UsageHour() int {
	return e.OccurredAt.UTC().Hour()
}
