package filter

import (
	"strings"

	"github.com/nhle/mailrelay/internal/model"
)

// Rule names reported in a Verdict.
const (
	RuleSender  = "sender"
	RuleDomain  = "domain"
	RuleSubject = "subject"
	RuleBody    = "body"
)

// Verdict describes the outcome of a blacklist check.
type Verdict struct {
	Blocked bool

	// Rule and Pattern identify the first matching rule.
	Rule    string
	Pattern string
}

// Blacklist holds lower-cased deny patterns. All matching is
// case-insensitive substring containment.
type Blacklist struct {
	senders   []string
	domains   []string
	subjects  []string
	contains  []string
	checkBody bool
}

// New creates a Blacklist from the configured rule lists.
func New(cfg model.BlacklistConfig) *Blacklist {
	return &Blacklist{
		senders:   normalizePatterns(cfg.Senders),
		domains:   normalizePatterns(cfg.Domains),
		subjects:  normalizePatterns(cfg.Subjects),
		contains:  normalizePatterns(cfg.Contains),
		checkBody: cfg.CheckBody,
	}
}

// Check evaluates senders, domains, subjects and, when enabled, body
// content, stopping at the first match.
func (b *Blacklist) Check(from, subject, body string) Verdict {
	from = strings.ToLower(from)

	if p, ok := matchAny(b.senders, from); ok {
		return Verdict{Blocked: true, Rule: RuleSender, Pattern: p}
	}

	if _, domain, found := strings.Cut(from, "@"); found {
		if p, ok := matchAny(b.domains, domain); ok {
			return Verdict{Blocked: true, Rule: RuleDomain, Pattern: p}
		}
	}

	if p, ok := matchAny(b.subjects, strings.ToLower(subject)); ok {
		return Verdict{Blocked: true, Rule: RuleSubject, Pattern: p}
	}

	if b.checkBody && len(b.contains) > 0 {
		if p, ok := matchAny(b.contains, strings.ToLower(body)); ok {
			return Verdict{Blocked: true, Rule: RuleBody, Pattern: p}
		}
	}

	return Verdict{}
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func matchAny(patterns []string, text string) (string, bool) {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}
