package agi

// CallStatus is the state of the most recent Dial on the channel.
type CallStatus int

const (
	CallInProgress CallStatus = iota
	CallAnswered
	CallBusy
	CallNoAnswer
	CallCongestion
	CallChannelUnavailable
	CallOffline
)

var callStatusNames = map[CallStatus]string{
	CallInProgress:         "in_progress",
	CallAnswered:           "answered",
	CallBusy:               "busy",
	CallNoAnswer:           "no_answer",
	CallCongestion:         "congestion",
	CallChannelUnavailable: "channel_unavailable",
	CallOffline:            "offline",
}

func (s CallStatus) String() string {
	if name, ok := callStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// DefaultStatusVariable is the variable Asterisk sets when Dial returns.
const DefaultStatusVariable = "DIALSTATUS"

// StatusTable maps the PBX's dial status codes to CallStatus values. Codes
// missing from the table map to CallOffline.
type StatusTable map[string]CallStatus

// DefaultStatusTable returns the Asterisk DIALSTATUS codes.
func DefaultStatusTable() StatusTable {
	return StatusTable{
		"ANSWER":      CallAnswered,
		"BUSY":        CallBusy,
		"NOANSWER":    CallNoAnswer,
		"CONGESTION":  CallCongestion,
		"CHANUNAVAIL": CallChannelUnavailable,
	}
}

// Lookup maps a raw variable value. ok=false (variable not set) means the
// dial has not returned yet.
func (t StatusTable) Lookup(value string, ok bool) CallStatus {
	if !ok {
		return CallInProgress
	}
	if s, found := t[value]; found {
		return s
	}
	return CallOffline
}
