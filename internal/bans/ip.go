package bans

import (
	"encoding/binary"
	"net"
)

// NormalizeIP converts an IPv4 address string to its canonical unsigned
// 32-bit form. IPv4-mapped IPv6 addresses ("::ffff:1.2.3.4") are accepted.
// Malformed or non-IPv4 input reports ok=false so callers can treat it as a
// non-match instead of an error.
func NormalizeIP(addr string) (uint32, bool) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

// FormatIP renders a normalized 32-bit address back to dotted-quad form.
func FormatIP(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return net.IP(b[:]).String()
}
