package configtypes

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrEmptyListen = errors.New("listen address is empty")

// ListenAddr is a parsed listen address. An empty Host binds all interfaces.
type ListenAddr struct {
	Host string
	Port int
}

// ParseListen accepts ":8080", "8080", "127.0.0.1:8080", "localhost:8080"
// and "[::1]:8080". The port must be within 1-65535.
func ParseListen(listen string) (ListenAddr, error) {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return ListenAddr{}, ErrEmptyListen
	}

	host, portStr := "", listen
	if strings.Contains(listen, ":") {
		var err error
		host, portStr, err = net.SplitHostPort(listen)
		if err != nil {
			return ListenAddr{}, fmt.Errorf("invalid listen address %q: %w", listen, err)
		}
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ListenAddr{}, fmt.Errorf("invalid port in listen address %q", listen)
	}
	if port < 1 || port > 65535 {
		return ListenAddr{}, fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return ListenAddr{Host: host, Port: port}, nil
}

// String returns host:port, as fasthttp expects it
func (a ListenAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Advertise returns the address other processes should use to reach this
// listener, substituting hostname when the address binds all interfaces
func (a ListenAddr) Advertise(hostname string) string {
	if a.Host == "" || a.Host == "0.0.0.0" || a.Host == "::" {
		return net.JoinHostPort(hostname, strconv.Itoa(a.Port))
	}
	return a.String()
}

// ValidateListenAddress reports whether listen parses
func ValidateListenAddress(listen string) error {
	_, err := ParseListen(listen)
	return err
}

// NormalizeListen parses listen and returns it in host:port form
func NormalizeListen(listen string) (string, error) {
	addr, err := ParseListen(listen)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// SamePort reports whether two listen addresses bind the same port
func SamePort(a, b string) bool {
	pa, errA := ParseListen(a)
	pb, errB := ParseListen(b)
	return errA == nil && errB == nil && pa.Port == pb.Port
}
