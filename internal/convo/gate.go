package convo

// FreeMessageThreshold is the number of messages a conversation may carry
// before the gate requires a premium upgrade.
const FreeMessageThreshold = 2

// ReasonQuotaExceeded is the only block reason the gate produces.
const ReasonQuotaExceeded = "quota_exceeded"

// Decision is the outcome of an access-gate check. Blocked is a normal
// return value, never an error.
type Decision struct {
	Allowed bool
	Reason  string // set only when !Allowed
}

// Decide is the access gate: a pure function over conversation state.
// Premium conversations are always allowed; free conversations are allowed
// while message_count is below the threshold.
//
// Store implementations must evaluate Decide inside the same transaction as
// the counter increment. Calling it on a conversation read earlier is a
// check-then-act race under concurrent sends.
func Decide(c *Conversation) Decision {
	if c.IsPremium {
		return Decision{Allowed: true}
	}
	if c.MessageCount < FreeMessageThreshold {
		return Decision{Allowed: true}
	}
	return Decision{Reason: ReasonQuotaExceeded}
}
