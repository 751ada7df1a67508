package signal

// Kind is the closed set of inbound signal kinds the coordinator understands.
// Anything else parses as KindPassthrough and is relayed untouched.
type Kind int

const (
	KindPassthrough Kind = iota
	KindOffer
	KindPreOffer
	KindPreOfferAnswer
	KindAnswer
	KindICECandidate
	KindCallStateUpdate
	KindConnectionCheck
	KindCallEnded
	KindCallRejected
	KindMediaToggle
	KindCallReconnect
	KindRequestICECandidates
)

// Wire type names.
const (
	TypeOffer                = "offer"
	TypePreOffer             = "pre-offer"
	TypePreOfferAnswer       = "pre-offer-answer"
	TypeAnswer               = "answer"
	TypeICECandidate         = "ice-candidate"
	TypeCallStateUpdate      = "call-state-update"
	TypeConnectionCheck      = "connection-check"
	TypeCallEnded            = "call-ended"
	TypeCallRejected         = "call-rejected"
	TypeMediaToggle          = "media-toggle"
	TypeCallReconnect        = "call-reconnect"
	TypeRequestICECandidates = "request-ice-candidates"

	// Emitted by the relay only.
	TypeUserUnavailable     = "user-unavailable"
	TypeUserBusy            = "user-busy"
	TypeCallMissed          = "call-missed"
	TypeResendICECandidates = "resend-ice-candidates"
	TypeOnlineUsers         = "online-users"
	TypeConnected           = "connected"
)

var kindByType = map[string]Kind{
	TypeOffer:                KindOffer,
	TypePreOffer:             KindPreOffer,
	TypePreOfferAnswer:       KindPreOfferAnswer,
	TypeAnswer:               KindAnswer,
	TypeICECandidate:         KindICECandidate,
	TypeCallStateUpdate:      KindCallStateUpdate,
	TypeConnectionCheck:      KindConnectionCheck,
	TypeCallEnded:            KindCallEnded,
	TypeCallRejected:         KindCallRejected,
	TypeMediaToggle:          KindMediaToggle,
	TypeCallReconnect:        KindCallReconnect,
	TypeRequestICECandidates: KindRequestICECandidates,
}

func KindOf(typ string) Kind {
	if k, ok := kindByType[typ]; ok {
		return k
	}
	return KindPassthrough
}

func (k Kind) String() string {
	for typ, kk := range kindByType {
		if kk == k {
			return typ
		}
	}
	return "passthrough"
}

// CallScoped reports kinds that must name a live call.
func (k Kind) CallScoped() bool {
	switch k {
	case KindPassthrough, KindPreOffer, KindPreOfferAnswer:
		return false
	default:
		return true
	}
}
