// Package usecases implements the relay application layer: the
// orchestration between the persisted rule/access-rule state and the
// forwarding engine that actually opens sockets for them.
package usecases

import "relaycore/internal/domain/relay"

// Activator is the narrow view of the forwarding engine the usecases
// depend on, so they can be tested against a fake instead of the real
// socket-opening engine.
type Activator interface {
	Activate(rule *relay.Rule) bool
	Deactivate(ruleID uint) bool
	IsRunning(ruleID uint) bool
	ValidateNoConflict(rule *relay.Rule) error
}
