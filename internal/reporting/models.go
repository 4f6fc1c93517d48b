package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one doctor.
// Sessions are selected by StartedAt within [From, To).
type CallsSummaryRequest struct {
	DoctorID string    `json:"doctor_id"`
	Range    TimeRange `json:"range"`
}

type CallsSummary struct {
	DoctorID string    `json:"doctor_id"`
	Range    TimeRange `json:"range"`

	TotalCalls        int `json:"total_calls"`
	EndedCalls        int `json:"ended_calls"`
	LiveCalls         int `json:"live_calls"`
	ReconnectingCalls int `json:"reconnecting_calls"`

	// Durations only cover ENDED calls.
	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
	LongestDurationSeconds int `json:"longest_duration_seconds"`

	DistinctPatients int `json:"distinct_patients"`
}
