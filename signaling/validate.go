package signaling

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// ValidatePayload checks that relayed WebRTC payloads are well formed.
// Join and part carry nothing to check.
func ValidatePayload(msg Inbound) error {
	switch m := msg.(type) {
	case RelayICECandidateMsg:
		return ValidateICECandidate(m.ICECandidate)
	case RelaySessionDescriptionMsg:
		return ValidateSessionDescription(m.SessionDescription)
	}
	return nil
}

// ValidateICECandidate accepts an RTCIceCandidateInit whose candidate line
// parses. An empty candidate marks end-of-candidates and is accepted.
func ValidateICECandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("signaling.ValidateICECandidate: %w: %v", ErrInvalidPayload, err)
	}
	if init.Candidate == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(init.Candidate, "candidate:")); err != nil {
		return fmt.Errorf("signaling.ValidateICECandidate: %w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ValidateSessionDescription accepts an RTCSessionDescription with a known
// type and parseable SDP. Rollbacks carry no SDP.
func ValidateSessionDescription(raw json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return fmt.Errorf("signaling.ValidateSessionDescription: %w: %v", ErrInvalidPayload, err)
	}
	switch sd.Type {
	case webrtc.SDPTypeRollback:
		return nil
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
	default:
		return fmt.Errorf("signaling.ValidateSessionDescription: %w: type %q", ErrInvalidPayload, sd.Type)
	}
	if _, err := sd.Unmarshal(); err != nil {
		return fmt.Errorf("signaling.ValidateSessionDescription: %w: %v", ErrInvalidPayload, err)
	}
	return nil
}
