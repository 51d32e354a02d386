// Package valueobjects provides value objects for the relay domain.
package valueobjects

// Protocol is the transport protocol a rule listens and forwards on.
type Protocol string

const (
	ProtocolTCP    Protocol = "TCP"
	ProtocolUDP    Protocol = "UDP"
	ProtocolTCPUDP Protocol = "TCP_UDP"
)

var validProtocols = map[Protocol]bool{
	ProtocolTCP:    true,
	ProtocolUDP:    true,
	ProtocolTCPUDP: true,
}

// String returns the string representation.
func (p Protocol) String() string {
	return string(p)
}

// IsValid reports whether p is one of the known protocols.
func (p Protocol) IsValid() bool {
	return validProtocols[p]
}

// HasTCP reports whether p includes a TCP leg.
func (p Protocol) HasTCP() bool {
	return p == ProtocolTCP || p == ProtocolTCPUDP
}

// HasUDP reports whether p includes a UDP leg.
func (p Protocol) HasUDP() bool {
	return p == ProtocolUDP || p == ProtocolTCPUDP
}

// Conflicts reports whether p and other would collide on the same
// (sourceIp,sourcePort) bind key. TCP_UDP conflicts with either leg.
func (p Protocol) Conflicts(other Protocol) bool {
	return (p.HasTCP() && other.HasTCP()) || (p.HasUDP() && other.HasUDP())
}
