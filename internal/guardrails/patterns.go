// Package guardrails scans chat-completion payloads for PII, financial
// data, and secrets, and blocks or masks them before the request reaches
// the upstream model provider.
//
// The pattern set is a built-in table plus an optional JSON overlay at
// <dir>/patterns.json. Overlay entries with the same name replace
// built-ins; the file is re-read whenever its mtime changes, so patterns
// can be edited without a restart.
package guardrails

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Severity and action values a Rule may carry.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"

	RuleActionBlock = "block"
	RuleActionFlag  = "flag"
)

// Rule is one detection pattern.
type Rule struct {
	Name            string `json:"-"`
	Pattern         string `json:"pattern"`
	Label           string `json:"label"`
	Category        string `json:"category"` // pii | financial | secret
	Severity        string `json:"severity"` // high | medium | low
	Action          string `json:"action"`   // block | flag
	ContextRequired bool   `json:"context_required,omitempty"`

	re *regexp.Regexp
}

// Regexp returns the compiled case-insensitive pattern.
func (r *Rule) Regexp() *regexp.Regexp { return r.re }

// Finding is one detected occurrence of a rule within scanned text.
type Finding struct {
	PatternName string `json:"pattern_name"`
	Label       string `json:"label"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Action      string `json:"action"` // block | warn (effective action)
	Sample      string `json:"match"`  // partially redacted match
}

const (
	// FindingBlock marks findings that block or get masked.
	FindingBlock = "block"
	// FindingWarn marks findings that are only logged.
	FindingWarn = "warn"
)

// financialContextKeywords gates context_required patterns: those rules
// only fire when the scanned text mentions at least one of these.
var financialContextKeywords = []string{
	"routing", "aba", "swift", "bic", "wire", "transfer",
	"bank", "account", "iban", "sort code", "payment",
}

func mustRule(name, pattern, label, category, severity, action string) Rule {
	return Rule{
		Name:     name,
		Pattern:  pattern,
		Label:    label,
		Category: category,
		Severity: severity,
		Action:   action,
		re:       regexp.MustCompile("(?i)" + pattern),
	}
}

func mustContextRule(name, pattern, label, category, severity, action string) Rule {
	r := mustRule(name, pattern, label, category, severity, action)
	r.ContextRequired = true
	return r
}

// builtinRules is the always-available pattern table. Order matters:
// masking is applied rule-by-rule in this order, overlay additions last.
var builtinRules = []Rule{
	// PII
	mustRule("us_ssn", `\b\d{3}-\d{2}-\d{4}\b`,
		"US Social Security Number", "pii", SeverityHigh, RuleActionBlock),
	mustRule("email_address", `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		"Email address", "pii", SeverityMedium, RuleActionFlag),
	mustRule("phone_us", `\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`,
		"US phone number", "pii", SeverityMedium, RuleActionFlag),
	mustRule("passport_us", `\b[A-Z]\d{8}\b`,
		"US passport number", "pii", SeverityHigh, RuleActionBlock),

	// Financial
	mustRule("credit_card_visa", `\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`,
		"Visa credit card number", "financial", SeverityHigh, RuleActionBlock),
	mustRule("credit_card_mastercard", `\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`,
		"Mastercard credit card number", "financial", SeverityHigh, RuleActionBlock),
	mustRule("credit_card_amex", `\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`,
		"Amex credit card number", "financial", SeverityHigh, RuleActionBlock),
	mustRule("iban", `\b[A-Z]{2}\d{2}[A-Z0-9]{4}\d{7}([A-Z0-9]?){0,16}\b`,
		"IBAN", "financial", SeverityHigh, RuleActionBlock),
	mustContextRule("bank_routing_aba", `\b[0-9]{9}\b`,
		"Bank routing number (ABA)", "financial", SeverityMedium, RuleActionFlag),
	mustContextRule("swift_bic", `\b[A-Z]{6}[A-Z0-9]{2}([A-Z0-9]{3})?\b`,
		"SWIFT/BIC code", "financial", SeverityMedium, RuleActionFlag),

	// Secrets & credentials
	mustRule("aws_access_key", `\bAKIA[0-9A-Z]{16}\b`,
		"AWS access key", "secret", SeverityHigh, RuleActionBlock),
	mustContextRule("aws_secret_key", `\b[A-Za-z0-9/+=]{40}\b`,
		"AWS secret key (candidate)", "secret", SeverityMedium, RuleActionFlag),
	mustRule("github_token", `\b(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9_]{36,}\b`,
		"GitHub token", "secret", SeverityHigh, RuleActionBlock),
	mustRule("generic_api_key", `\b(sk|pk|api|token|secret|key)[-_][A-Za-z0-9]{20,}\b`,
		"Generic API key/token", "secret", SeverityHigh, RuleActionBlock),
	mustRule("private_key_pem", `-----BEGIN\s+(RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`,
		"Private key (PEM)", "secret", SeverityHigh, RuleActionBlock),
	mustRule("jwt_token", `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`,
		"JWT token", "secret", SeverityHigh, RuleActionBlock),
	mustRule("slack_token", `\bxox[bporas]-[A-Za-z0-9-]{10,}\b`,
		"Slack token", "secret", SeverityHigh, RuleActionBlock),
	mustRule("connection_string", `\b(postgres|mysql|mongodb|redis)://\S+:\S+@\S+`,
		"Database connection string with credentials", "secret", SeverityHigh, RuleActionBlock),
}

// Library resolves the effective rule set (built-ins + overlay) and scans
// text against it. Safe for concurrent use; the overlay cache refresh
// computes the new entry and swaps it under the lock.
type Library struct {
	dir    string
	logger *log.Logger

	mu           sync.Mutex
	overlayMtime int64
	overlay      []Rule
}

// NewLibrary creates a pattern library. dir may be empty, in which case
// only the built-in table is used.
func NewLibrary(dir string) *Library {
	return &Library{
		dir:    dir,
		logger: log.New(log.Writer(), "[PATTERNS] ", log.LstdFlags),
	}
}

// Rules returns the effective ordered rule set: built-ins (with same-name
// overlay replacements applied in place) followed by overlay-only rules
// sorted by name.
func (l *Library) Rules() []Rule {
	overlay := l.loadOverlay()

	byName := make(map[string]Rule, len(overlay))
	for _, r := range overlay {
		byName[r.Name] = r
	}

	out := make([]Rule, 0, len(builtinRules)+len(overlay))
	for _, r := range builtinRules {
		if repl, ok := byName[r.Name]; ok {
			out = append(out, repl)
			delete(byName, r.Name)
			continue
		}
		out = append(out, r)
	}

	extra := make([]Rule, 0, len(byName))
	for _, r := range byName {
		extra = append(extra, r)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Name < extra[j].Name })
	return append(out, extra...)
}

// loadOverlay reads <dir>/patterns.json with an mtime cache. Keys starting
// with "_" are file metadata and skipped; entries whose regex fails to
// compile are skipped with a warning.
func (l *Library) loadOverlay() []Rule {
	if l.dir == "" {
		return nil
	}
	path := filepath.Join(l.dir, "patterns.json")
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	mtime := fi.ModTime().UnixNano()
	if l.overlay != nil && l.overlayMtime == mtime {
		return l.overlay
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		l.logger.Printf("⚠️ Failed to read overlay %s: %v", path, err)
		return l.overlay
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		l.logger.Printf("⚠️ Failed to parse overlay %s: %v", path, err)
		return l.overlay
	}

	rules := make([]Rule, 0, len(doc))
	for name, entry := range doc {
		if strings.HasPrefix(name, "_") {
			continue
		}
		var r Rule
		if err := json.Unmarshal(entry, &r); err != nil || r.Pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			l.logger.Printf("⚠️ Invalid regex for overlay pattern %s: %v", name, err)
			continue
		}
		r.Name = name
		r.re = re
		if r.Severity == "" {
			r.Severity = SeverityMedium
		}
		if r.Action == "" {
			r.Action = RuleActionFlag
		}
		if r.Category == "" {
			r.Category = "unknown"
		}
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	l.overlay = rules
	l.overlayMtime = mtime
	l.logger.Printf("Loaded custom patterns: %d patterns", len(rules))
	return rules
}

// hasFinancialContext reports whether text mentions any financial keyword
// (case-insensitive substring match).
func hasFinancialContext(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range financialContextKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// effectiveAction maps a rule + level to the effective finding action.
// Empty string means the match is dropped at this level.
//
//	rule action | severity | off  | standard | strict
//	block       | any      | skip | block    | block
//	flag        | high     | skip | block    | block
//	flag        | med/low  | skip | warn     | block
func effectiveAction(r *Rule, level string) string {
	switch level {
	case LevelOff:
		return ""
	case LevelStrict:
		return FindingBlock
	default: // standard
		if r.Action == RuleActionBlock || r.Severity == SeverityHigh {
			return FindingBlock
		}
		return FindingWarn
	}
}

// Scan runs every effective rule against text and returns the findings
// for the given guardrail level. Raising the level never removes findings.
func (l *Library) Scan(text, level string) []Finding {
	if level == LevelOff {
		return nil
	}
	hasContext := hasFinancialContext(text)

	var findings []Finding
	for _, rule := range l.Rules() {
		if rule.ContextRequired && !hasContext {
			continue
		}
		action := effectiveAction(&rule, level)
		if action == "" {
			continue
		}
		for _, match := range rule.re.FindAllString(text, -1) {
			findings = append(findings, Finding{
				PatternName: rule.Name,
				Label:       rule.Label,
				Category:    rule.Category,
				Severity:    rule.Severity,
				Action:      action,
				Sample:      redactMatch(match),
			})
		}
	}
	return findings
}

// redactMatch partially redacts a matched value for logging: short matches
// become "***", longer ones keep the first and last two characters.
func redactMatch(match string) string {
	runes := []rune(match)
	if len(runes) <= 6 {
		return "***"
	}
	return string(runes[:2]) + "***" + string(runes[len(runes)-2:])
}
