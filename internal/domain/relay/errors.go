package relay

import "errors"

var (
	// ErrRuleNotFound is returned when a rule is not found.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrPortConflict is returned when two enabled rules would share a
	// (sourceIp,sourcePort,protocol) bind key.
	ErrPortConflict = errors.New("source port already in use by an enabled rule")

	// ErrRuleActive is returned when an activation-affecting field is
	// edited while the rule is still active; deactivate first.
	ErrRuleActive = errors.New("rule must be deactivated before editing transport fields")

	// ErrInvalidProtocol is returned when an invalid protocol is specified.
	ErrInvalidProtocol = errors.New("invalid protocol")

	// ErrInvalidAddress is returned when a source or target IP is invalid.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidPort is returned when a port is outside 1..65535.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrInvalidCIDR is returned when an AccessRule's cidr field does not
	// parse as a single IPv4 address or an a.b.c.d/N block.
	ErrInvalidCIDR = errors.New("invalid cidr")

	// ErrInvalidAction is returned when an AccessRule's action is not
	// ALLOW or DENY.
	ErrInvalidAction = errors.New("invalid access action")

	// ErrPoolExhausted is returned by the upstream pool when no slot is
	// active and a new dial also fails.
	ErrPoolExhausted = errors.New("no healthy upstream slot available")

	// ErrBufferFull is returned when a client's pending-payload buffer is
	// at its cap; the caller drops the payload and counts the overflow.
	ErrBufferFull = errors.New("client buffer full")

	// ErrListenerBindFailed is returned when a rule's listener cannot
	// bind its source port; fatal for that activation attempt.
	ErrListenerBindFailed = errors.New("listener bind failed")
)
