// Package target resolves destination strings into connection descriptors.
package target

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultSSHPort is used when an SSH destination carries no port segment.
const DefaultSSHPort uint16 = 22

type Kind int

const (
	SSH Kind = iota
	Container
	Local
)

func (k Kind) String() string {
	switch k {
	case SSH:
		return "ssh"
	case Container:
		return "container"
	case Local:
		return "local"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrInvalidSpec = errors.New("invalid target spec")

// Target is a resolved destination. It is comparable and safe to use as a map key.
type Target struct {
	Host string
	Port uint16
	Kind Kind
}

// LocalHost is the single target LocalExecutor runs against.
var LocalHost = Target{Host: "localhost", Kind: Local}

// Resolve parses raw into a Target of the given kind.
//
// SSH destinations are "host" or "host:port"; the string is split on the last
// ':' and a bracketed IPv6 literal ("[::1]:2222") is accepted. Container
// destinations are image references and are never split, since "alpine:3.19"
// carries a tag rather than a port.
func Resolve(raw string, kind Kind) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("%w: empty destination", ErrInvalidSpec)
	}

	switch kind {
	case Container:
		return Target{Host: raw, Kind: Container}, nil
	case Local:
		return LocalHost, nil
	case SSH:
	default:
		return Target{}, fmt.Errorf("%w: unknown kind %v", ErrInvalidSpec, kind)
	}

	host, portStr, hasPort := splitHostPort(raw)
	if host == "" {
		return Target{}, fmt.Errorf("%w: %q has no host", ErrInvalidSpec, raw)
	}
	if !hasPort {
		return Target{Host: host, Port: DefaultSSHPort, Kind: SSH}, nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Target{}, fmt.Errorf("%w: %q has invalid port %q", ErrInvalidSpec, raw, portStr)
	}
	return Target{Host: host, Port: uint16(port), Kind: SSH}, nil
}

// ResolveAll resolves every entry in order and stops at the first bad one.
func ResolveAll(raws []string, kind Kind) ([]Target, error) {
	targets := make([]Target, 0, len(raws))
	for _, raw := range raws {
		t, err := Resolve(raw, kind)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func splitHostPort(raw string) (host, port string, hasPort bool) {
	if strings.HasPrefix(raw, "[") {
		end := strings.Index(raw, "]")
		if end < 0 {
			return "", "", false
		}
		host = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return host, "", false
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		return host, rest[1:], true
	}

	i := strings.LastIndex(raw, ":")
	if i < 0 {
		return raw, "", false
	}
	return raw[:i], raw[i+1:], true
}

// Address is the dial address of an SSH target.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

func (t Target) String() string {
	if t.Kind == SSH {
		return t.Address()
	}
	return t.Host
}
