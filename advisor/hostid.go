package advisor

import (
	"net"
	"os"
)

// HostID returns the outbound IPv4 address of this machine. No packet is sent:
// a UDP dial only selects the route. Falls back to the hostname.
func HostID() string {
	conn, err := net.Dial("udp4", "10.255.255.255:1")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
			return addr.IP.String()
		}
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "-"
	}
	return host
}
