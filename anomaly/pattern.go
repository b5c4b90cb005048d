package anomaly

import (
	"fmt"

	"github.com/MrEthical07/sessionguard/audit"
)

// Action is what a detection triggers. The set is closed: the detector
// refuses to start unless every Action has a handler.
type Action uint8

const (
	ActionLog Action = iota
	ActionAlert
	ActionChallenge
	ActionBlock
	actionCount
)

func (a Action) String() string {
	switch a {
	case ActionLog:
		return "log"
	case ActionAlert:
		return "alert"
	case ActionChallenge:
		return "challenge"
	case ActionBlock:
		return "block"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ParseAction maps the config spelling back to an Action.
func ParseAction(s string) (Action, error) {
	for a := Action(0); a < actionCount; a++ {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown anomaly action %q", s)
}

// Pattern is a stateless heuristic over a window of events.
type Pattern struct {
	Name        string
	Description string
	Severity    audit.Severity
	Action      Action
	Check       func(events []Event) (bool, error)
}

// DefaultPatterns returns the built-in heuristics in evaluation order.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "rapid_login_attempts",
			Description: "More than 5 failed logins within 5 minutes",
			Severity:    audit.SeverityHigh,
			Action:      ActionBlock,
			Check:       RapidLoginAttempts,
		},
		{
			Name:        "credential_stuffing",
			Description: "More than 10 distinct usernames failing from one IP within 10 minutes",
			Severity:    audit.SeverityCritical,
			Action:      ActionBlock,
			Check:       CredentialStuffing,
		},
		{
			Name:        "impossible_travel",
			Description: "Consecutive successful logins imply travel faster than 1000 km/h",
			Severity:    audit.SeverityCritical,
			Action:      ActionChallenge,
			Check:       ImpossibleTravel,
		},
		{
			Name:        "account_enumeration",
			Description: "More than 20 user lookups within 5 minutes",
			Severity:    audit.SeverityMedium,
			Action:      ActionAlert,
			Check:       AccountEnumeration,
		},
		{
			Name:        "token_replay",
			Description: "More than 3 expired or revoked token presentations",
			Severity:    audit.SeverityHigh,
			Action:      ActionBlock,
			Check:       TokenReplay,
		},
		{
			Name:        "api_scanning",
			Description: "More than 50 distinct unknown routes within 10 minutes",
			Severity:    audit.SeverityMedium,
			Action:      ActionAlert,
			Check:       APIScanning,
		},
		{
			Name:        "data_exfiltration",
			Description: "More than 10000 exported records or 50 exports",
			Severity:    audit.SeverityHigh,
			Action:      ActionAlert,
			Check:       DataExfiltration,
		},
		{
			Name:        "privilege_escalation",
			Description: "More than 10 denied accesses within 5 minutes",
			Severity:    audit.SeverityCritical,
			Action:      ActionBlock,
			Check:       PrivilegeEscalation,
		},
		{
			Name:        "session_hijacking",
			Description: "Session presented from a different device fingerprint",
			Severity:    audit.SeverityCritical,
			Action:      ActionBlock,
			Check:       SessionHijacking,
		},
		{
			Name:        "pin_brute_force",
			Description: "More than 5 distinct PINs tried within 5 minutes",
			Severity:    audit.SeverityHigh,
			Action:      ActionBlock,
			Check:       PinBruteForce,
		},
	}
}
