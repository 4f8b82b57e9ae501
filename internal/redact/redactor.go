// Package redact masks personally identifiable information in outbound alert text.
package redact

import (
	"regexp"
	"strings"
)

type rule struct {
	name        string
	pattern     *regexp.Regexp
	placeholder string
}

// Redactor replaces PII in text with placeholders. Rules apply in a fixed order
// so that narrower patterns (SSN, card numbers) win over phone numbers.
type Redactor struct {
	rules   []rule
	enabled bool
}

// Config selects which PII types to redact.
type Config struct {
	Emails      bool
	Phones      bool
	SSN         bool
	CreditCards bool
	IPv4        bool
	IPv6        bool
	Custom      map[string]string // name -> regexp, replaced with [REDACTED]
}

// DefaultConfig redacts common PII. IP addresses are kept; they are usually
// what an operator needs to act on an alert.
func DefaultConfig() Config {
	return Config{
		Emails:      true,
		Phones:      true,
		SSN:         true,
		CreditCards: true,
	}
}

// New creates a Redactor. Custom patterns that fail to compile are skipped.
func New(config Config) *Redactor {
	var rules []rule

	if config.Emails {
		rules = append(rules, rule{"email", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[EMAIL_REDACTED]"})
	}
	if config.SSN {
		rules = append(rules, rule{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN_REDACTED]"})
	}
	if config.CreditCards {
		rules = append(rules, rule{"credit_card", regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), "[CC_REDACTED]"})
	}
	if config.Phones {
		rules = append(rules, rule{"phone", regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), "[PHONE_REDACTED]"})
	}
	if config.IPv4 {
		rules = append(rules, rule{"ipv4", regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IPV4_REDACTED]"})
	}
	if config.IPv6 {
		rules = append(rules, rule{"ipv6", regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`), "[IPV6_REDACTED]"})
	}

	for name, pattern := range config.Custom {
		if re, err := regexp.Compile(pattern); err == nil {
			rules = append(rules, rule{name, re, "[REDACTED]"})
		}
	}

	return &Redactor{rules: rules, enabled: true}
}

// Redact replaces PII in text with placeholders.
func (r *Redactor) Redact(text string) string {
	if r == nil || !r.enabled {
		return text
	}
	for _, rl := range r.rules {
		text = rl.pattern.ReplaceAllString(text, rl.placeholder)
	}
	return text
}

// Detect returns the names of the PII types present in text.
func (r *Redactor) Detect(text string) []string {
	if r == nil {
		return nil
	}
	var found []string
	for _, rl := range r.rules {
		if rl.pattern.MatchString(text) {
			found = append(found, rl.name)
		}
	}
	return found
}

// SetEnabled toggles redaction.
func (r *Redactor) SetEnabled(enabled bool) {
	r.enabled = enabled
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "[INVALID_EMAIL]"
	}
	if len(local) <= 1 {
		return local + "@" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + "@" + domain
}
