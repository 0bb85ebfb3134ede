package ratelimit

import "fmt"

// Action identifies a rate-limited operation. The set of actions is closed:
// every Action must have an entry in the policy table.
type Action string

const (
	ActionLogin         Action = "LOGIN"
	ActionSessionCreate Action = "SESSION_CREATE"
	ActionMessageSend   Action = "MESSAGE_SEND"
	ActionMediaUpload   Action = "MEDIA_UPLOAD"
	ActionReportSubmit  Action = "REPORT_SUBMIT"
	ActionDisputeCreate Action = "DISPUTE_CREATE"
	ActionPayoutRequest Action = "PAYOUT_REQUEST"
	ActionKYCSubmit     Action = "KYC_SUBMIT"
	ActionChatCreate    Action = "CHAT_CREATE"
	ActionCallStart     Action = "CALL_START"
	ActionProfileUpdate Action = "PROFILE_UPDATE"
	ActionContentCreate Action = "CONTENT_CREATE"
)

// AllActions lists every known action in catalogue order.
var AllActions = []Action{
	ActionLogin,
	ActionSessionCreate,
	ActionMessageSend,
	ActionMediaUpload,
	ActionReportSubmit,
	ActionDisputeCreate,
	ActionPayoutRequest,
	ActionKYCSubmit,
	ActionChatCreate,
	ActionCallStart,
	ActionProfileUpdate,
	ActionContentCreate,
}

// Valid reports whether a is part of the action catalogue.
func (a Action) Valid() bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

func (a Action) String() string {
	return string(a)
}

// ParseAction converts a string into a known Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}
