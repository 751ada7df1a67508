package history

import "time"

// Record is one finished call attempt. Exactly one is written per call ID.
//
// Money invariant reminder: billing reads DurationSeconds of ended records;
// missed and rejected records always carry zero.
type Record struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	From     string `json:"from" db:"caller_id"`
	To       string `json:"to" db:"callee_id"`
	CallType string `json:"call_type" db:"call_type"`

	DurationSeconds int    `json:"duration" db:"duration_seconds"`
	Status          Status `json:"status" db:"status"`

	StartedAt time.Time `json:"started_at" db:"started_at"`
	EndedAt   time.Time `json:"ended_at" db:"ended_at"`

	ConversationID string `json:"conversation_id,omitempty" db:"conversation_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Status string

const (
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	return s == StatusEnded || s == StatusMissed || s == StatusRejected
}

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SummaryRequest requests aggregated call metrics for one user, either side of the call.
type SummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type Summary struct {
	UserID string `json:"user_id"`

	TotalCalls    int `json:"total_calls"`
	EndedCalls    int `json:"ended_calls"`
	MissedCalls   int `json:"missed_calls"`
	RejectedCalls int `json:"rejected_calls"`
	VideoCalls    int `json:"video_calls"`
	AudioCalls    int `json:"audio_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}

// SummaryMessage is the entry posted into a conversation thread after a call.
type SummaryMessage struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	SenderID       string    `json:"sender_id" db:"sender_id"`
	CallID         string    `json:"call_id" db:"call_id"`
	Body           string    `json:"body" db:"body"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
