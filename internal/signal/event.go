package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var ErrMalformed = errors.New("signal: malformed event")

// Event is the envelope shared by every signaling message.
// Type-specific fields the relay does not model are kept in raw and written
// back verbatim when the event is forwarded.
type Event struct {
	Type           string          `json:"type"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	CallID         string          `json:"callId,omitempty"`
	Signal         json.RawMessage `json:"signal,omitempty"`
	CallType       string          `json:"callType,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Reason         string          `json:"reason,omitempty"`

	State            string `json:"state,omitempty"`
	MediaTracksAdded *bool  `json:"mediaTracksAdded,omitempty"`
	Audio            *bool  `json:"audio,omitempty"`
	Video            *bool  `json:"video,omitempty"`

	UserID     string             `json:"userId,omitempty"`
	Users      []string           `json:"users,omitempty"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`

	kind Kind
	raw  map[string]json.RawMessage
}

// wireEvent drops the methods so json.Marshal does not recurse into Frame.
type wireEvent Event

// Parse decodes an inbound frame and stamps the sender with the identity of
// the connection it arrived on; a client-supplied "from" is never trusted.
func Parse(data []byte, from string) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev := Event(w)
	ev.From = from
	ev.kind = KindOf(ev.Type)
	ev.raw = raw
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) Kind() Kind { return e.kind }

// Validate checks the fields each kind requires.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: type required", ErrMalformed)
	}
	if e.From == "" {
		return fmt.Errorf("%w: sender unknown", ErrMalformed)
	}
	if e.kind.CallScoped() && e.CallID == "" {
		return fmt.Errorf("%w: %s requires callId", ErrMalformed, e.Type)
	}

	switch e.kind {
	case KindOffer:
		if e.To == "" || len(e.Signal) == 0 {
			return fmt.Errorf("%w: offer requires to and signal", ErrMalformed)
		}
		if e.To == e.From {
			return fmt.Errorf("%w: offer to self", ErrMalformed)
		}
	case KindAnswer:
		if len(e.Signal) == 0 {
			return fmt.Errorf("%w: answer requires signal", ErrMalformed)
		}
	case KindICECandidate:
		if _, err := e.Candidate(); err != nil {
			return err
		}
	case KindPassthrough, KindPreOffer, KindPreOfferAnswer:
		if e.To == "" {
			return fmt.Errorf("%w: %s requires to", ErrMalformed, e.Type)
		}
	case KindCallStateUpdate, KindConnectionCheck, KindCallEnded, KindCallRejected, KindMediaToggle,
		KindCallReconnect, KindRequestICECandidates:
	}
	return nil
}

// Candidate decodes the ICE candidate carried in Signal.
func (e Event) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if len(e.Signal) == 0 {
		return c, fmt.Errorf("%w: candidate missing", ErrMalformed)
	}
	if err := json.Unmarshal(e.Signal, &c); err != nil {
		return c, fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
	}
	return c, nil
}

// Frame encodes the event for delivery. Modeled fields win over raw ones.
func (e Event) Frame() ([]byte, error) {
	base, err := json.Marshal(wireEvent(e))
	if err != nil {
		return nil, err
	}
	if len(e.raw) == 0 {
		return base, nil
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(base, &known); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(e.raw)+len(known))
	for k, v := range e.raw {
		out[k] = v
	}
	for k, v := range known {
		out[k] = v
	}
	return json.Marshal(out)
}

// Notice builds a relay-originated event about a call.
func Notice(typ, from, to, callID, reason string) Event {
	return Event{Type: typ, From: from, To: to, CallID: callID, Reason: reason, kind: KindOf(typ)}
}
