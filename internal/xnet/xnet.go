// Package xnet holds the address-resolution and sockaddr-formatting
// helpers shared by tcp and udp, grounded on cyn_address.cpp/cyn_socket.cpp
// (both transports resolve "host:port" and render peer/local addresses
// the same way) and on the address-parsing idiom of
// sakateka-yanet2/common/go/xnetip.
package xnet

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SockaddrString renders a unix.Sockaddr as "ip:port", or "" for address
// families this module doesn't speak (only IPv4/IPv6 is supported).
func SockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprintf("%d", a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprintf("%d", a.Port))
	default:
		return ""
	}
}

// ResolveAddr parses "host:port" into a unix.Sockaddr, IPv4 or IPv6,
// resolving host through the standard resolver first.
func ResolveAddr(hostPort string) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("xnet: no addresses found for %q", host)
	}

	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("xnet: invalid port %q: %w", portStr, err)
	}

	ip := ips[0]
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, nil
	}
	v6 := ip.To16()
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], v6)
	return sa, nil
}

// Domain returns AF_INET or AF_INET6 for sa.
func Domain(sa unix.Sockaddr) int {
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		return unix.AF_INET6
	}
	return unix.AF_INET
}
