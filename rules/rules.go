// Package rules implements the Surge-style textual routing rule engine:
// an ordered list of (type, value, action) rules evaluated first-match-wins
// against a candidate flow's domain, destination IP, and ports.
package rules

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/voyage-core/voyage/errs"
	"github.com/voyage-core/voyage/vlog"
)

// Action is the route decision a matching rule (or the engine's default)
// produces.
type Action int

const (
	Direct Action = iota
	Proxy
	Reject
)

func (a Action) String() string {
	switch a {
	case Direct:
		return "DIRECT"
	case Proxy:
		return "PROXY"
	case Reject:
		return "REJECT"
	default:
		return "unknown"
	}
}

func parseAction(s string) (Action, error) {
	switch strings.ToUpper(s) {
	case "DIRECT":
		return Direct, nil
	case "PROXY":
		return Proxy, nil
	case "REJECT":
		return Reject, nil
	default:
		return 0, fmt.Errorf("unknown action: %s", s)
	}
}

// Type identifies what a Rule matches against.
type Type int

const (
	TypeDomain Type = iota
	TypeDomainSuffix
	TypeDomainKeyword
	TypeIPCIDR
	TypeIPCIDR6
	TypeDstPort
	TypeSrcPort
	TypeFinal
)

// Rule is a single routing rule. Exactly one of the value fields is
// meaningful, selected by Type; Final uses none of them.
type Rule struct {
	Name   string
	Type   Type
	Action Action

	domain  string // lowercased, for Domain/DomainSuffix/DomainKeyword
	prefix  netip.Prefix
	port    uint16
}

// New constructs a domain/keyword/port-less rule; callers needing CIDR or
// port rules should go through ParseLine or the NewXxx constructors below.
func New(typ Type, action Action) Rule {
	return Rule{Type: typ, Action: action}
}

func NewDomain(name string, action Action) Rule {
	return Rule{Type: TypeDomain, Action: action, domain: strings.ToLower(name)}
}

func NewDomainSuffix(suffix string, action Action) Rule {
	return Rule{Type: TypeDomainSuffix, Action: action, domain: strings.ToLower(suffix)}
}

func NewDomainKeyword(keyword string, action Action) Rule {
	return Rule{Type: TypeDomainKeyword, Action: action, domain: strings.ToLower(keyword)}
}

func NewIPCIDR(prefix netip.Prefix, action Action) Rule {
	typ := TypeIPCIDR
	if prefix.Addr().Is6() {
		typ = TypeIPCIDR6
	}
	return Rule{Type: typ, Action: action, prefix: prefix}
}

func NewDstPort(port uint16, action Action) Rule {
	return Rule{Type: TypeDstPort, Action: action, port: port}
}

func NewSrcPort(port uint16, action Action) Rule {
	return Rule{Type: TypeSrcPort, Action: action, port: port}
}

func NewFinal(action Action) Rule {
	return Rule{Type: TypeFinal, Action: action}
}

// WithName attaches a diagnostic name to the rule, mirroring the Rust
// builder's with_name.
func (r Rule) WithName(name string) Rule {
	r.Name = name
	return r
}

// Matches reports whether the rule applies to a candidate flow. domain may
// be empty if unresolved; dstIP is the zero Addr if unknown.
func (r Rule) Matches(domain string, dstIP netip.Addr, dstPort, srcPort uint16) bool {
	switch r.Type {
	case TypeDomain:
		return domain != "" && strings.ToLower(domain) == r.domain
	case TypeDomainSuffix:
		if domain == "" {
			return false
		}
		d := strings.ToLower(domain)
		suffix := r.domain
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		return d == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(d, suffix)
	case TypeDomainKeyword:
		return domain != "" && strings.Contains(strings.ToLower(domain), r.domain)
	case TypeIPCIDR:
		return dstIP.IsValid() && r.prefix.Contains(dstIP)
	case TypeIPCIDR6:
		// IP-CIDR6 is accepted at parse time but never matches: the matcher
		// only implements the IPv4 CIDR predicate. See LoadFromConfig's
		// one-time warning for this rule type.
		return false
	case TypeDstPort:
		return dstPort == r.port
	case TypeSrcPort:
		return srcPort == r.port
	case TypeFinal:
		return true
	default:
		return false
	}
}

// Engine holds an ordered rule list and evaluates flows against it
// first-match-wins (R1: order preserved, R2: load is additive, R3: O(N)
// evaluation).
type Engine struct {
	rules   []Rule
	fallback Action

	// suffixIndexed is an additive diagnostic set of every DOMAIN /
	// DOMAIN-SUFFIX value loaded, independent of the ordered evaluation
	// path above.
	suffixIndexed map[string]struct{}
}

// New constructs an empty engine whose fallback (no-rule-matched) action is
// Direct, matching the Rust RuleEngine::new default.
func New() *Engine {
	return &Engine{fallback: Direct, suffixIndexed: make(map[string]struct{})}
}

// NewWithDefault constructs an empty engine with an explicit fallback
// action, for when no rule (not even a FINAL) matches.
func NewWithDefault(fallback Action) *Engine {
	return &Engine{fallback: fallback, suffixIndexed: make(map[string]struct{})}
}

// AddRule appends a single rule (additive load, R2).
func (e *Engine) AddRule(r Rule) {
	e.rules = append(e.rules, r)
	if r.Type == TypeDomain || r.Type == TypeDomainSuffix {
		e.suffixIndexed[r.domain] = struct{}{}
	}
}

// AddRules appends a batch of rules in order.
func (e *Engine) AddRules(rs []Rule) {
	for _, r := range rs {
		e.AddRule(r)
	}
}

// Clear removes every loaded rule and diagnostic entry.
func (e *Engine) Clear() {
	e.rules = nil
	e.suffixIndexed = make(map[string]struct{})
}

func (e *Engine) Len() int      { return len(e.rules) }
func (e *Engine) IsEmpty() bool { return len(e.rules) == 0 }

// Rules returns the loaded rules in evaluation order.
func (e *Engine) Rules() []Rule { return e.rules }

// Evaluate walks the rule list in order and returns the first match's
// action, or the engine's fallback if nothing matches (R1, R3).
func (e *Engine) Evaluate(domain string, dstIP netip.Addr, dstPort, srcPort uint16) Action {
	for _, r := range e.rules {
		if r.Matches(domain, dstIP, dstPort, srcPort) {
			return r.Action
		}
	}
	return e.fallback
}

// SuffixIndexed reports whether domain was loaded verbatim as a DOMAIN or
// DOMAIN-SUFFIX rule value. This is a diagnostic convenience on top of the
// ordered list above, not itself part of match evaluation.
func (e *Engine) SuffixIndexed(domain string) bool {
	_, ok := e.suffixIndexed[strings.ToLower(domain)]
	return ok
}

// ParseLine parses a single "TYPE,VALUE,ACTION" (or "FINAL,ACTION") rule
// line. Blank lines and lines starting with '#' or '//' are comments and
// yield (Rule{}, false, nil).
func ParseLine(line string) (Rule, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
		return Rule{}, false, nil
	}

	parts := make([]string, 0, 3)
	for _, p := range strings.Split(line, ",") {
		parts = append(parts, strings.TrimSpace(p))
	}
	if len(parts) < 2 {
		return Rule{}, false, fmt.Errorf("invalid rule line: %s", line)
	}

	typeStr := strings.ToUpper(parts[0])

	if typeStr == "FINAL" {
		action, err := parseAction(parts[1])
		if err != nil {
			return Rule{}, false, err
		}
		return NewFinal(action), true, nil
	}

	if len(parts) < 3 {
		return Rule{}, false, fmt.Errorf("rule line requires type,value,action: %s", line)
	}
	action, err := parseAction(parts[2])
	if err != nil {
		return Rule{}, false, err
	}

	switch typeStr {
	case "DOMAIN":
		if parts[1] == "" {
			return Rule{}, false, fmt.Errorf("DOMAIN rule requires a domain")
		}
		return NewDomain(parts[1], action), true, nil
	case "DOMAIN-SUFFIX":
		if parts[1] == "" {
			return Rule{}, false, fmt.Errorf("DOMAIN-SUFFIX rule requires a suffix")
		}
		return NewDomainSuffix(parts[1], action), true, nil
	case "DOMAIN-KEYWORD":
		if parts[1] == "" {
			return Rule{}, false, fmt.Errorf("DOMAIN-KEYWORD rule requires a keyword")
		}
		return NewDomainKeyword(parts[1], action), true, nil
	case "IP-CIDR", "IP-CIDR6":
		prefix, err := netip.ParsePrefix(parts[1])
		if err != nil {
			return Rule{}, false, fmt.Errorf("invalid CIDR format: %s: %w", parts[1], err)
		}
		rule := NewIPCIDR(prefix, action)
		if typeStr == "IP-CIDR6" {
			rule.Type = TypeIPCIDR6
		}
		return rule, true, nil
	case "DST-PORT":
		port, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return Rule{}, false, fmt.Errorf("invalid port: %w", err)
		}
		return NewDstPort(uint16(port), action), true, nil
	case "SRC-PORT":
		port, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return Rule{}, false, fmt.Errorf("invalid port: %w", err)
		}
		return NewSrcPort(uint16(port), action), true, nil
	default:
		return Rule{}, false, fmt.Errorf("unknown rule type: %s", parts[0])
	}
}

// LoadFromConfig parses a full Surge-style rule file and appends every
// recognized rule to the engine in file order. A parse error on any
// non-comment line aborts the whole load with a RuleError, leaving the
// engine unmodified. IP-CIDR6 lines parse successfully but never match any
// address (see Rule.Matches); the first one seen in a given call logs a
// one-time warning rather than failing the load.
func (e *Engine) LoadFromConfig(r io.Reader) error {
	var parsed []Rule
	warnedIPCIDR6 := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		rule, ok, err := ParseLine(line)
		if err != nil {
			return errs.Wrap(errs.RuleError, "parse rule line", err)
		}
		if !ok {
			continue
		}
		if rule.Type == TypeIPCIDR6 && !warnedIPCIDR6 {
			vlog.W("rules: IP-CIDR6 is accepted but never matches any address: %q", line)
			warnedIPCIDR6 = true
		}
		parsed = append(parsed, rule)
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.RuleError, "read rule config", err)
	}
	e.AddRules(parsed)
	return nil
}
