package valueobjects

import "testing"

func TestProtocol_IsValid(t *testing.T) {
	cases := []struct {
		name string
		p    Protocol
		want bool
	}{
		{"tcp is valid", ProtocolTCP, true},
		{"udp is valid", ProtocolUDP, true},
		{"tcp_udp is valid", ProtocolTCPUDP, true},
		{"empty is invalid", Protocol(""), false},
		{"unknown is invalid", Protocol("sctp"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.IsValid(); got != tc.want {
				t.Errorf("IsValid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestProtocol_Conflicts(t *testing.T) {
	cases := []struct {
		name string
		a, b Protocol
		want bool
	}{
		{"tcp vs tcp", ProtocolTCP, ProtocolTCP, true},
		{"tcp vs udp", ProtocolTCP, ProtocolUDP, false},
		{"tcp vs tcp_udp", ProtocolTCP, ProtocolTCPUDP, true},
		{"udp vs tcp_udp", ProtocolUDP, ProtocolTCPUDP, true},
		{"tcp_udp vs tcp_udp", ProtocolTCPUDP, ProtocolTCPUDP, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Conflicts(tc.b); got != tc.want {
				t.Errorf("Conflicts() = %v, want %v", got, tc.want)
			}
		})
	}
}
