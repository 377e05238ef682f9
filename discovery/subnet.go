package discovery

import "net"

// SameSubnet reports whether ip falls inside a network of any local
// interface. Loopback counts.
func SameSubnet(ip string) bool {
	networks, err := localNetworks()
	if err != nil {
		return false
	}
	return inNetworks(ip, networks)
}

func localNetworks() ([]*net.IPNet, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]*net.IPNet, 0, len(addrs))
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			out = append(out, ipNet)
		}
	}
	return out, nil
}

func inNetworks(ip string, networks []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range networks {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
