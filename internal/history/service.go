package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidRecord  = errors.New("history: invalid record")
	ErrInvalidRequest = errors.New("history: invalid request")
	ErrThreadNotFound = errors.New("history: thread not found")
)

// Repository persists call records.
//
// IMPORTANT:
// - InsertCall must be idempotent on CallID and report whether a row was written.
type Repository interface {
	InsertCall(ctx context.Context, r Record) (inserted bool, err error)
	ListCalls(ctx context.Context, userID string, from, to time.Time) ([]Record, error)
}

// ThreadDirectory resolves conversation threads so a call summary can be
// posted next to the chat it belongs to.
type ThreadDirectory interface {
	ThreadParticipants(ctx context.Context, conversationID string) ([]string, error)
	PostSummary(ctx context.Context, m SummaryMessage) error
}

// Service is the history collaborator the signaling coordinator writes to.
// Callers treat it as best-effort: a failure here never affects a live call.
type Service struct {
	repo    Repository
	threads ThreadDirectory
	clock   func() time.Time
	log     *slog.Logger
}

// NewService wires the repository; threads may be nil to disable summaries.
func NewService(repo Repository, threads ThreadDirectory, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, threads: threads, clock: time.Now, log: log}
}

// Record writes a finished call and, when the call belongs to a resolvable
// conversation, posts a summary entry into that thread.
func (s *Service) Record(ctx context.Context, r Record) error {
	if s.repo == nil {
		return errors.New("history: repository not configured")
	}
	if err := validateRecord(r); err != nil {
		return err
	}
	now := s.clock().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.Status != StatusEnded {
		r.DurationSeconds = 0
	}

	inserted, err := s.repo.InsertCall(ctx, r)
	if err != nil {
		return fmt.Errorf("history: insert call %s: %w", r.CallID, err)
	}
	if !inserted {
		s.log.Warn("duplicate call record ignored", "call_id", r.CallID, "status", r.Status)
		return nil
	}

	if r.ConversationID == "" || s.threads == nil {
		return nil
	}
	return s.postSummary(ctx, r, now)
}

func (s *Service) postSummary(ctx context.Context, r Record, now time.Time) error {
	participants, err := s.threads.ThreadParticipants(ctx, r.ConversationID)
	if errors.Is(err, ErrThreadNotFound) {
		s.log.Info("call summary skipped: thread not found", "call_id", r.CallID, "conversation_id", r.ConversationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("history: resolve thread %s: %w", r.ConversationID, err)
	}
	if !contains(participants, r.From) || !contains(participants, r.To) {
		s.log.Info("call summary skipped: callers not in thread", "call_id", r.CallID, "conversation_id", r.ConversationID)
		return nil
	}

	msg := SummaryMessage{
		ID:             uuid.NewString(),
		ConversationID: r.ConversationID,
		SenderID:       r.From,
		CallID:         r.CallID,
		Body:           SummaryText(r),
		CreatedAt:      now,
	}
	if err := s.threads.PostSummary(ctx, msg); err != nil {
		return fmt.Errorf("history: post summary %s: %w", r.CallID, err)
	}
	return nil
}

func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if req.UserID == "" {
		return Summary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("history: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{UserID: req.UserID}
	for _, r := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += r.DurationSeconds
		switch r.Status {
		case StatusEnded:
			out.EndedCalls++
		case StatusMissed:
			out.MissedCalls++
		case StatusRejected:
			out.RejectedCalls++
		}
		if r.CallType == "audio" {
			out.AudioCalls++
		} else {
			out.VideoCalls++
		}
	}
	if out.EndedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.EndedCalls
	}
	return out, nil
}

// SummaryText renders the thread entry for a finished call.
func SummaryText(r Record) string {
	kind := "Video"
	if r.CallType == "audio" {
		kind = "Audio"
	}
	switch r.Status {
	case StatusEnded:
		d := time.Duration(r.DurationSeconds) * time.Second
		return fmt.Sprintf("%s call · %s", kind, d.String())
	case StatusRejected:
		return fmt.Sprintf("%s call declined", kind)
	default:
		return fmt.Sprintf("Missed %s call", strings.ToLower(kind))
	}
}

func validateRecord(r Record) error {
	if r.CallID == "" || r.From == "" || r.To == "" {
		return ErrInvalidRecord
	}
	if !r.Status.Valid() {
		return ErrInvalidRecord
	}
	if r.DurationSeconds < 0 {
		return ErrInvalidRecord
	}
	if r.StartedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return ErrInvalidRecord
	}
	return nil
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
