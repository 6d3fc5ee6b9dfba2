package discovery

import (
	"net"
)

// SmartGuess lists probe addresses for every local IPv4 /24 network.
// Addresses are ordered nearest-first around the host's own number, so
// machines on neighbouring addresses are found early. The host's own
// address, the network address and the broadcast address are skipped.
func SmartGuess(addrs []net.Addr) []string {
	var out []string
	seen := make(map[string]bool)

	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}

		host := int(ip[3])
		for d := 1; d < 255; d++ {
			for _, n := range []int{host - d, host + d} {
				if n < 1 || n > 254 {
					continue
				}
				s := net.IPv4(ip[0], ip[1], ip[2], byte(n)).String()
				if seen[s] {
					continue
				}
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// mergeTargets concatenates address lists, dropping blanks and duplicates
// while keeping first-seen order.
func mergeTargets(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, ip := range list {
			if ip == "" || seen[ip] {
				continue
			}
			seen[ip] = true
			out = append(out, ip)
		}
	}
	return out
}

// validIP reports whether s is a literal IPv4 or IPv6 address.
func validIP(s string) bool {
	return net.ParseIP(s) != nil
}
