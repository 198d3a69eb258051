package matcher

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// segKind classifies one compiled pattern segment.
type segKind int

const (
	segLiteral segKind = iota
	segVar             // {name}: captures one segment
	segAny             // *: one segment, no capture
	segGlob            // **: zero or more segments, no capture
)

type segment struct {
	kind    segKind
	literal string // literal text or variable name
}

// Pattern is a compiled path pattern supporting literal segments, {name}
// captures, * (one segment) and ** (zero or more segments).
type Pattern struct {
	raw      string
	segments []segment
	varCount int
	wildOnly bool // no {name} captures; eligible for doublestar matching
}

// Compile parses and validates a path pattern.
func Compile(raw string) (*Pattern, error) {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", raw)
	}

	p := &Pattern{raw: raw, wildOnly: true}
	for _, part := range splitPath(raw) {
		switch {
		case part == "*":
			p.segments = append(p.segments, segment{kind: segAny})
		case part == "**":
			p.segments = append(p.segments, segment{kind: segGlob})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, fmt.Errorf("pattern %q has an empty variable name", raw)
			}
			p.segments = append(p.segments, segment{kind: segVar, literal: name})
			p.varCount++
			p.wildOnly = false
		case strings.ContainsAny(part, "{}*"):
			return nil, fmt.Errorf("pattern %q: segment %q mixes literals and wildcards", raw, part)
		default:
			p.segments = append(p.segments, segment{kind: segLiteral, literal: part})
		}
	}

	if p.wildOnly {
		// Validate against doublestar so registration rejects what matching
		// would never accept.
		if !doublestar.ValidatePattern(raw) {
			return nil, fmt.Errorf("pattern %q is not a valid glob", raw)
		}
	}

	return p, nil
}

// MustCompile is Compile that panics on error, for static patterns.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original pattern text.
func (p *Pattern) String() string {
	return p.raw
}

// Match reports whether path belongs to the pattern's language and returns
// the captured {name} variables in pattern order.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	if p.wildOnly {
		// Delegate wildcard-only patterns to doublestar; its ** semantics
		// (zero or more segments) are exactly what endpoint globs promise.
		ok, err := doublestar.PathMatch(p.raw, path)
		if err != nil || !ok {
			return nil, false
		}
		return nil, true
	}

	parts := splitPath(path)
	var vars map[string]string
	if p.varCount > 0 {
		vars = make(map[string]string, p.varCount)
	}
	if p.matchFrom(0, parts, vars) {
		return vars, true
	}
	return nil, false
}

// matchFrom matches segments[si:] against parts, backtracking across **.
func (p *Pattern) matchFrom(si int, parts []string, vars map[string]string) bool {
	for ; si < len(p.segments); si++ {
		seg := p.segments[si]

		if seg.kind == segGlob {
			// ** consumes zero or more segments; try the shortest first so
			// trailing literals bind greedily-left.
			for skip := 0; skip <= len(parts); skip++ {
				if p.matchFrom(si+1, parts[skip:], vars) {
					return true
				}
			}
			return false
		}

		if len(parts) == 0 {
			return false
		}

		switch seg.kind {
		case segLiteral:
			if parts[0] != seg.literal {
				return false
			}
		case segVar:
			vars[seg.literal] = parts[0]
		case segAny:
			// one segment, no capture
		}
		parts = parts[1:]
	}
	return len(parts) == 0
}

// Specificity scores the pattern for tie-breaking: literal segments count
// positively, wildcards subtract weighted by generality ({var}=1, *=2, **=3).
// Higher is more specific.
func (p *Pattern) Specificity() int {
	score := 0
	for _, seg := range p.segments {
		switch seg.kind {
		case segLiteral:
			score++
		case segVar:
			score--
		case segAny:
			score -= 2
		case segGlob:
			score -= 3
		}
	}
	return score
}

// MethodSet is a set of HTTP methods; the sentinel "*" matches any method.
type MethodSet struct {
	any     bool
	methods map[string]struct{}
}

// NewMethodSet builds a method set. An empty list or a "*" entry matches
// every method.
func NewMethodSet(methods []string) MethodSet {
	if len(methods) == 0 {
		return MethodSet{any: true}
	}
	ms := MethodSet{methods: make(map[string]struct{}, len(methods))}
	for _, m := range methods {
		if m == "*" {
			return MethodSet{any: true}
		}
		ms.methods[strings.ToUpper(m)] = struct{}{}
	}
	return ms
}

// Contains reports whether the method is in the set.
func (ms MethodSet) Contains(method string) bool {
	if ms.any {
		return true
	}
	_, ok := ms.methods[strings.ToUpper(method)]
	return ok
}

// Any reports whether the set matches every method.
func (ms MethodSet) Any() bool {
	return ms.any
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
