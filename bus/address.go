// Package bus defines the scheme-prefixed address format and message
// envelope shared by every peer-facing subsystem: the discovery record's
// listen addresses, the endpoint forwarder's transport handles, and the
// app runtime's inbound/outbound message classification.
package bus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atrun-project/atrun"
)

// LocalityMask classifies an Address by how close the peer is.
type LocalityMask uint8

const (
	// LocalProcess is set when the address names the current process
	// (a mem:// address whose handle matches the process's own).
	LocalProcess LocalityMask = 1 << iota
	// LocalHost is set when the address names a peer on the same host
	// (shm://, unix://, or a loopback ipv4/ipv6/dns address).
	LocalHost
)

// Scheme is one of the six supported bus address schemes.
type Scheme string

const (
	SchemeMem  Scheme = "mem"
	SchemeSHM  Scheme = "shm"
	SchemeUnix Scheme = "unix"
	SchemeIPv4 Scheme = "ipv4"
	SchemeIPv6 Scheme = "ipv6"
	SchemeDNS  Scheme = "dns"
)

// Address is a parsed scheme-prefixed bus URI.
type Address struct {
	Scheme Scheme
	// Host carries the hex handle (mem/shm), the filesystem path (unix),
	// or the host[:port] portion (ipv4/ipv6/dns).
	Host string
	Port string
}

// ParseAddress parses a scheme-prefixed URI of the form
// "<scheme>://<rest>" into an Address.
func ParseAddress(raw string) (Address, error) {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return Address{}, atrun.NewParamsError("bus.ParseAddress", fmt.Errorf("missing scheme separator in %q", raw))
	}
	scheme := Scheme(raw[:idx])
	rest := raw[idx+3:]

	switch scheme {
	case SchemeMem, SchemeSHM, SchemeUnix:
		return Address{Scheme: scheme, Host: rest}, nil
	case SchemeIPv4, SchemeDNS:
		host, port, err := splitHostPort(rest)
		if err != nil {
			return Address{}, atrun.NewParamsError("bus.ParseAddress", err)
		}
		return Address{Scheme: scheme, Host: host, Port: port}, nil
	case SchemeIPv6:
		host, port, err := splitIPv6HostPort(rest)
		if err != nil {
			return Address{}, atrun.NewParamsError("bus.ParseAddress", err)
		}
		return Address{Scheme: scheme, Host: host, Port: port}, nil
	default:
		return Address{}, atrun.NewParamsError("bus.ParseAddress", fmt.Errorf("unknown scheme %q", scheme))
	}
}

func splitHostPort(s string) (string, string, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", errors.New("missing port")
	}
	return s[:idx], s[idx+1:], nil
}

// splitIPv6HostPort parses "[host]:port".
func splitIPv6HostPort(s string) (string, string, error) {
	if !strings.HasPrefix(s, "[") {
		return "", "", errors.New("ipv6 address must be bracketed")
	}
	end := strings.Index(s, "]")
	if end < 0 {
		return "", "", errors.New("unterminated ipv6 bracket")
	}
	host := s[1:end]
	rest := s[end+1:]
	if !strings.HasPrefix(rest, ":") {
		return "", "", errors.New("missing port after ipv6 bracket")
	}
	return host, rest[1:], nil
}

// String renders the Address back into its canonical URI form.
func (a Address) String() string {
	switch a.Scheme {
	case SchemeMem, SchemeSHM, SchemeUnix:
		return string(a.Scheme) + "://" + a.Host
	case SchemeIPv6:
		return fmt.Sprintf("%s://[%s]:%s", a.Scheme, a.Host, a.Port)
	default:
		return fmt.Sprintf("%s://%s:%s", a.Scheme, a.Host, a.Port)
	}
}

var loopbackHosts = map[string]bool{
	"127.0.0.1": true,
	"::1":       true,
	"localhost": true,
}

// Classify returns the LocalityMask for a, given the handle of the
// current process's own mem:// address (empty if unknown).
func (a Address) Classify(selfMemHandle string) LocalityMask {
	var mask LocalityMask
	switch a.Scheme {
	case SchemeMem:
		mask |= LocalHost
		if selfMemHandle != "" && a.Host == selfMemHandle {
			mask |= LocalProcess
		}
	case SchemeSHM, SchemeUnix:
		mask |= LocalHost
	case SchemeIPv4, SchemeIPv6, SchemeDNS:
		if loopbackHosts[a.Host] {
			mask |= LocalHost
		}
	}
	return mask
}
