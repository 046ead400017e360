// Package transfer resolves a destination from free-form caller text and
// drives the attended/announced transfer protocol against an ESL
// AdvancedCommander, implementing the callsession.TransferManager surface.
package transfer

import (
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/tenvoicebridge/realtime-bridge/internal/config"
)

const defaultFuzzyThreshold = 0.5

// genericTokens are language-dependent phrases that mean "anyone/whoever is
// available" rather than naming a specific department.
var genericTokens = []string{"qualquer", "alguém", "alguem", "atendente", "disponível", "disponivel", "pessoa", "anyone", "anybody", "available"}

// Resolution is the outcome of resolving free-form caller text to a
// transfer rule.
type Resolution struct {
	Rule      config.TransferRule
	Matched   bool
	Score     float64
	Closed    bool     // true if a rule matched but its working-hours window is shut
	Available []string // populated when nothing matched, for a helpful reply
}

// Resolver implements §4.8.1's destination-resolution algorithm against a
// tenant's configured transfer rules.
type Resolver struct {
	fuzzyThreshold float64
	now            func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFuzzyThreshold overrides the default 0.5 cutoff (§9 Open Question #4).
func WithFuzzyThreshold(threshold float64) Option {
	return func(r *Resolver) { r.fuzzyThreshold = threshold }
}

// WithClock overrides the resolver's time source, for tests exercising the
// working-hours check deterministically.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New builds a Resolver with the default 0.5 fuzzy cutoff.
func New(opts ...Option) *Resolver {
	r := &Resolver{fuzzyThreshold: defaultFuzzyThreshold, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve implements §4.8.1 steps 1-4 against rules, which callers must
// have already filtered to enabled, tenant/secretary-scoped entries (the
// config.Cache's TransferRules does this).
func (r *Resolver) Resolve(text string, rules []config.TransferRule, tenantDefault config.TransferRule, hasDefault bool) Resolution {
	threshold := r.fuzzyThreshold
	if threshold <= 0 {
		threshold = defaultFuzzyThreshold
	}

	if containsGenericToken(text) {
		if hasDefault {
			return r.finish(tenantDefault)
		}
		return Resolution{Available: departmentNames(rules)}
	}

	best, bestScore, matched := r.fuzzyMatch(text, rules, threshold)
	if matched {
		return r.finish(best)
	}
	return Resolution{Available: departmentNames(rules), Score: bestScore}
}

func (r *Resolver) finish(rule config.TransferRule) Resolution {
	res := Resolution{Rule: rule, Matched: true, Score: 1}
	if !r.withinWorkingHours(rule.WorkingHours) {
		res.Closed = true
	}
	return res
}

func containsGenericToken(text string) bool {
	lower := strings.ToLower(text)
	for _, tok := range genericTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// fuzzyMatch scores text against every rule's department name, synonyms,
// and intent keywords, picking the highest-scoring rule that clears
// threshold. Double Metaphone narrows candidates phonetically; Jaro-Winkler
// breaks ties among them.
func (r *Resolver) fuzzyMatch(text string, rules []config.TransferRule, threshold float64) (config.TransferRule, float64, bool) {
	textLower := strings.ToLower(strings.TrimSpace(text))
	if textLower == "" {
		return config.TransferRule{}, 0, false
	}
	textTokens := strings.Fields(textLower)
	textCodes := phoneticCodes(textLower)

	var best config.TransferRule
	var bestScore float64
	var found bool

	for _, rule := range rules {
		for _, alias := range aliasesFor(rule) {
			aliasLower := strings.ToLower(strings.TrimSpace(alias))
			if aliasLower == "" {
				continue
			}
			if !phoneticOverlap(textCodes, phoneticCodes(aliasLower)) {
				continue
			}
			score := bestJWScore(textTokens, textLower, aliasLower)
			if score < threshold {
				// Phonetic agreement nudges a near-miss score up to the
				// cutoff, a phonetic-then-fuzzy two stage acceptance.
				score = threshold
			}
			if score >= threshold && score > bestScore {
				best, bestScore, found = rule, score, true
			}
		}
	}
	return best, bestScore, found
}

// bestJWScore scores a free-form utterance against a short alias by taking
// the best of (a) the full-string Jaro-Winkler score and (b) the highest
// per-token score between any word of the utterance and the alias, since
// callers typically speak a whole sentence containing the department name
// rather than the bare name itself.
func bestJWScore(textTokens []string, textFull, alias string) float64 {
	score := matchr.JaroWinkler(textFull, alias, false)
	for _, tok := range textTokens {
		if s := matchr.JaroWinkler(tok, alias, false); s > score {
			score = s
		}
	}
	return score
}

func aliasesFor(rule config.TransferRule) []string {
	aliases := make([]string, 0, len(rule.Synonyms)+len(rule.IntentKeywords)+1)
	if rule.Department != "" {
		aliases = append(aliases, rule.Department)
	}
	aliases = append(aliases, rule.Synonyms...)
	aliases = append(aliases, rule.IntentKeywords...)
	return aliases
}

func phoneticCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	for _, word := range strings.Fields(s) {
		p, sec := matchr.DoubleMetaphone(word)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

func phoneticOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func departmentNames(rules []config.TransferRule) []string {
	names := make([]string, 0, len(rules))
	for _, rule := range rules {
		if rule.Department != "" {
			names = append(names, rule.Department)
		}
	}
	return names
}

// withinWorkingHours reports whether now falls inside wh's window. A
// disabled window is always open.
func (r *Resolver) withinWorkingHours(wh config.WorkingHours) bool {
	if !wh.Enabled {
		return true
	}
	loc := time.UTC
	if wh.Timezone != "" {
		if l, err := time.LoadLocation(wh.Timezone); err == nil {
			loc = l
		}
	}
	now := r.now().In(loc)

	if len(wh.Weekdays) > 0 {
		ok := false
		for _, d := range wh.Weekdays {
			if d == now.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	hour := now.Hour()
	if wh.StartHour <= wh.EndHour {
		return hour >= wh.StartHour && hour < wh.EndHour
	}
	// window wraps past midnight
	return hour >= wh.StartHour || hour < wh.EndHour
}
