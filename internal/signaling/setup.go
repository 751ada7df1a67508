package signaling

// SetupStatus records how far call establishment got. It is diagnostic
// only and never decides the call outcome.
type SetupStatus struct {
	OfferSent            bool `json:"offer_sent"`
	AnswerReceived       bool `json:"answer_received"`
	ICEComplete          bool `json:"ice_complete"`
	ConnectivityVerified bool `json:"connectivity_verified"`
}

// StalledAt names the first stage that has not completed, or "" when setup
// finished.
func (s SetupStatus) StalledAt() string {
	switch {
	case !s.OfferSent:
		return "offer"
	case !s.AnswerReceived:
		return "answer"
	case !s.ICEComplete:
		return "ice"
	case !s.ConnectivityVerified:
		return "connectivity"
	default:
		return ""
	}
}
