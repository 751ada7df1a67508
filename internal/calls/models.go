package calls

import (
	"errors"
	"time"
)

// Session is the authoritative record of one call attempt between two users.
//
// Status answers whether the call exists; Conn describes media health and
// never decides the call outcome.
type Session struct {
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id"`
	CalleeID string `json:"callee_id"`
	Kind     Kind   `json:"call_type"`

	ConversationID string `json:"conversation_id,omitempty"`

	Status Status    `json:"status"`
	Conn   ConnState `json:"conn"`

	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`

	MediaTracksAdded bool `json:"media_tracks_added"`
	Reconnecting     bool `json:"reconnecting"`
	AudioMuted       bool `json:"audio_muted"`
	VideoOff         bool `json:"video_off"`
}

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind defaults to video; clients of the booking platform omit callType
// for the standard consultation call.
func ParseKind(v string) Kind {
	if v == string(KindAudio) {
		return KindAudio
	}
	return KindVideo
}

type Status string

const (
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusMissed    Status = "missed"
	StatusRejected  Status = "rejected"
)

func (s Status) Active() bool { return s == StatusRinging || s == StatusConnected }

type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

func ParseConnState(v string) (ConnState, bool) {
	switch ConnState(v) {
	case ConnNew, ConnConnecting, ConnConnected, ConnReconnecting:
		return ConnState(v), true
	default:
		return "", false
	}
}

var (
	ErrNotRinging     = errors.New("calls: session is not ringing")
	ErrNotParticipant = errors.New("calls: user is not a participant")
)

func NewSession(callID, callerID, calleeID string, kind Kind, conversationID string, now time.Time) *Session {
	return &Session{
		CallID:         callID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		Kind:           kind,
		ConversationID: conversationID,
		Status:         StatusRinging,
		Conn:           ConnNew,
		CreatedAt:      now,
	}
}

func (s *Session) Involves(userID string) bool {
	return userID != "" && (s.CallerID == userID || s.CalleeID == userID)
}

// Peer returns the other participant.
func (s *Session) Peer(userID string) (string, error) {
	switch userID {
	case s.CallerID:
		return s.CalleeID, nil
	case s.CalleeID:
		return s.CallerID, nil
	default:
		return "", ErrNotParticipant
	}
}

// Between reports whether the session links a and b in either direction.
func (s *Session) Between(a, b string) bool {
	return (s.CallerID == a && s.CalleeID == b) || (s.CallerID == b && s.CalleeID == a)
}

// Accept moves a ringing call to connected and starts the billing clock.
func (s *Session) Accept(now time.Time) error {
	if s.Status != StatusRinging {
		return ErrNotRinging
	}
	at := now
	s.Status = StatusConnected
	s.AcceptedAt = &at
	s.Conn = ConnConnecting
	return nil
}

// UpdateConn applies a client-reported connection state. Reconnecting is
// only reachable from connected; anything else is mirrored as reported.
func (s *Session) UpdateConn(state ConnState) {
	switch state {
	case ConnReconnecting:
		s.Reconnecting = true
		if s.Conn == ConnConnected {
			s.Conn = ConnReconnecting
		}
	case ConnConnected:
		s.Reconnecting = false
		s.Conn = ConnConnected
	default:
		s.Conn = state
	}
}

// Duration is zero until the call was accepted.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.AcceptedAt == nil || now.Before(*s.AcceptedAt) {
		return 0
	}
	return now.Sub(*s.AcceptedAt)
}

// Outcome maps how a session ended to its terminal status. A call that was
// never accepted is missed regardless of who hung up.
func (s *Session) Outcome(rejected bool) Status {
	if s.Status == StatusConnected && s.AcceptedAt != nil {
		return StatusEnded
	}
	if rejected {
		return StatusRejected
	}
	return StatusMissed
}
