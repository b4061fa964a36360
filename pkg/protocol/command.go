package protocol

import "github.com/tuyago/localtuya/pkg/tuyaerr"

// Command is a protocol command code.
type Command uint32

const (
	UDP             Command = 0
	CONTROL         Command = 7
	STATUS          Command = 8
	HEART_BEAT      Command = 9
	DP_QUERY        Command = 10
	SESS_KEY_NEG_START Command = 3
	SESS_KEY_NEG_RES   Command = 4
	SESS_KEY_NEG_FINISH Command = 5
	CONTROL_NEW     Command = 13
	DP_QUERY_NEW    Command = 16
	DP_REFRESH      Command = 18
	UDP_NEW         Command = 19
	BOARDCAST_LPV34 Command = 35
)

var commandNames = map[Command]string{
	UDP:                 "UDP",
	SESS_KEY_NEG_START:  "SESS_KEY_NEG_START",
	SESS_KEY_NEG_RES:    "SESS_KEY_NEG_RES",
	SESS_KEY_NEG_FINISH: "SESS_KEY_NEG_FINISH",
	CONTROL:             "CONTROL",
	STATUS:              "STATUS",
	HEART_BEAT:          "HEART_BEAT",
	DP_QUERY:            "DP_QUERY",
	CONTROL_NEW:         "CONTROL_NEW",
	DP_QUERY_NEW:        "DP_QUERY_NEW",
	DP_REFRESH:          "DP_REFRESH",
	UDP_NEW:             "UDP_NEW",
	BOARDCAST_LPV34:     "BOARDCAST_LPV34",
}

// String returns the mnemonic name of the command, or "UNKNOWN" if it is
// not one of the fixed codes.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Known reports whether c is one of the fixed command codes.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// ValidateCommand rejects an unknown outbound command with InvalidCommand.
func ValidateCommand(c Command) error {
	if !c.Known() {
		return tuyaerr.New(tuyaerr.InvalidCommand, "unknown command code")
	}
	return nil
}

// queryExemptV2V3 and headerExemptV4V5 list the commands that never get the
// "3.x"+12-zero plaintext header prepended to them: the v3.2/3.3 branch
// excludes DP_QUERY/DP_REFRESH, the v3.4/3.5 branch excludes the wider set
// below.
var queryExemptV2V3 = map[Command]bool{
	DP_QUERY:   true,
	DP_REFRESH: true,
}

var headerExemptV4V5 = map[Command]bool{
	DP_QUERY:            true,
	HEART_BEAT:          true,
	DP_QUERY_NEW:        true,
	SESS_KEY_NEG_START:  true,
	SESS_KEY_NEG_FINISH: true,
	DP_REFRESH:          true,
}

// NeedsPlaintextHeader reports whether the "3.x" version header must be
// prepended for command c at version v.
func NeedsPlaintextHeader(v Version, c Command) bool {
	switch v {
	case V32, V33:
		return !queryExemptV2V3[c]
	case V34, V35:
		return !headerExemptV4V5[c]
	default:
		return false
	}
}
