// Package protocol holds the vocabulary shared by the routing core: the set of
// payment protocols the hub can route to and the client-expressed priorities.
package protocol

import "fmt"

// Protocol names one of the interchangeable payment execution backends.
type Protocol string

const (
	X402 Protocol = "x402"
	ATXP Protocol = "atxp"
	AP2  Protocol = "ap2"
	ACP  Protocol = "acp"
)

// Auto is the override value that defers the choice to the selector.
const Auto = "auto"

// PrivacyProtocol is forced by the selector when the client asks for privacy.
const PrivacyProtocol = AP2

// Supported returns the protocols in declaration order. The order matters:
// selector ties keep the earliest protocol.
func Supported() []Protocol {
	return []Protocol{X402, ATXP, AP2, ACP}
}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case X402, ATXP, AP2, ACP:
		return true
	}
	return false
}

func (p Protocol) String() string { return string(p) }

// ParseProtocol parses a concrete protocol name.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown protocol %q", s)
	}
	return p, nil
}

// ParseOverride parses the primaryProtocol field. Empty and "auto" both mean
// "let the selector decide" and return ("", nil).
func ParseOverride(s string) (Protocol, error) {
	if s == "" || s == Auto {
		return "", nil
	}
	return ParseProtocol(s)
}

// Priority is the client's speed/cost/privacy tradeoff.
type Priority string

const (
	Speed   Priority = "speed"
	Cost    Priority = "cost"
	Privacy Priority = "privacy"
)

// DefaultPriority applies when the request does not name one.
const DefaultPriority = Speed

// ParsePriority parses a priority; the empty string yields DefaultPriority.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return DefaultPriority, nil
	case Speed, Cost, Privacy:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}
