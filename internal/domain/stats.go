package domain

// DayTrend is one day's (incoming, sent) pair in the seven-element
// daily trend.
type DayTrend struct {
	Date     string `json:"date"`
	Incoming int64  `json:"incoming"`
	Sent     int64  `json:"sent"`
}

// StatsSnapshot is the read model the admin stats endpoint returns.
type StatsSnapshot struct {
	Total      int64            `json:"total"`
	ByStatus   map[Status]int64 `json:"by_status"`
	Last24h    int64            `json:"last_24h"`
	Last7d     int64            `json:"last_7d"`
	Hourly     [24]int64        `json:"hourly"`
	DailyTrend []DayTrend       `json:"daily_trend"`
}

// NewStatsSnapshot builds a zero-valued snapshot with all seven
// recognized statuses present in ByStatus, so callers never have to
// nil-check a status bucket.
func NewStatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		ByStatus: map[Status]int64{
			StatusCreated:  0,
			StatusQueued:   0,
			StatusDeliver:  0,
			StatusSent:     0,
			StatusRetry:    0,
			StatusDLQ:      0,
			StatusArchived: 0,
		},
	}
}
