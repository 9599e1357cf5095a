package chat

import (
	"regexp"
	"strings"
)

// SecurityFilter screens inbound text before it reaches the extractor.
type SecurityFilter interface {
	IsUnsafe(text string) bool
}

type guardPattern struct {
	re     *regexp.Regexp
	reason string
	weight float64
}

// Instruction-override phrasing.
var overridePatterns = []guardPattern{
	{regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(the\s+)?(previous|prior|above|earlier|your)\s+(instructions?|rules?|prompts?|guidelines?|directives?)`), "override:ignore_instructions", 0.9},
	{regexp.MustCompile(`(?i)override\s+(your\s+)?(system|instructions?|rules?|safety|guidelines?)`), "override:override", 0.8},
	{regexp.MustCompile(`(?i)do\s+not\s+follow\s+(your|the|any)\s+(rules?|instructions?|guidelines?)`), "override:do_not_follow", 0.9},
	{regexp.MustCompile(`(?i)bypass\s+(your\s+)?(safety|filters?|restrictions?|rules?)`), "override:bypass", 0.8},
	{regexp.MustCompile(`(?i)jailbreak|DAN\s*mode|developer\s*mode|god\s*mode`), "override:jailbreak_keyword", 0.9},
	{regexp.MustCompile(`(?i)(reveal|show|print|repeat)\s+(me\s+)?(your\s+)?(system\s+prompt|hidden\s+prompt|initial\s+instructions?)`), "override:prompt_exfiltration", 0.8},
}

// Role-reassignment phrasing.
var rolePatterns = []guardPattern{
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my|the)\s+`), "role:reassignment", 0.7},
	{regexp.MustCompile(`(?i)act\s+as\s+(if\s+)?(you\s+are\s+)?(a\s+|an\s+)?(different|new|unrestricted|unfiltered|admin|administrator|developer)`), "role:act_as", 0.8},
	{regexp.MustCompile(`(?i)(pretend|imagine)\s+(that\s+)?you\s+(are|have)\s+(no\s+)?(rules?|restrictions?|limits?|an?\s+admin)`), "role:pretend", 0.8},
	{regexp.MustCompile(`(?i)new\s+(role|instructions?)\s*:`), "role:new_role", 0.9},
}

// System/assistant role markers and model special tokens.
var markerPatterns = []guardPattern{
	{regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:`), "marker:role_prefix", 0.7},
	{regexp.MustCompile(`(?i)###\s*(system|instruction|assistant|user)\s*:`), "marker:role_heading", 0.7},
	{regexp.MustCompile(`(?i)\[/?INST\]|\[/?SYS\]|<<\s*sys\s*>>|<\|im_start\|>|<\|im_end\|>|<\|system\|>|<\|assistant\|>`), "marker:special_tokens", 0.9},
	{regexp.MustCompile(`(?i)(end\s+of\s+)?(system|assistant)\s*(message|prompt)\s*[\-=]{2,}`), "marker:fake_boundary", 0.8},
}

// Template-injection markers.
var templatePatterns = []guardPattern{
	{regexp.MustCompile(`\{\{.*\}\}`), "template:mustache", 0.7},
	{regexp.MustCompile(`\$\{[^}]*\}`), "template:interpolation", 0.7},
	{regexp.MustCompile(`\{%.*%\}`), "template:jinja_block", 0.7},
	{regexp.MustCompile(`(?i)<\s*(script|iframe|object|embed)\b`), "template:html", 0.7},
}

// PatternGuard scores text against weighted regex groups. The score is the
// heaviest match plus 0.1 for each additional one, capped at 1.
type PatternGuard struct {
	patterns  []guardPattern
	threshold float64
}

func NewPatternGuard() *PatternGuard {
	all := make([]guardPattern, 0, len(overridePatterns)+len(rolePatterns)+len(markerPatterns)+len(templatePatterns))
	all = append(all, overridePatterns...)
	all = append(all, rolePatterns...)
	all = append(all, markerPatterns...)
	all = append(all, templatePatterns...)
	return &PatternGuard{patterns: all, threshold: 0.7}
}

// Scan returns the score and the reasons that fired.
func (g *PatternGuard) Scan(text string) (float64, []string) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	var reasons []string
	maxWeight := 0.0
	for _, p := range g.patterns {
		if p.re.MatchString(text) {
			reasons = append(reasons, p.reason)
			if p.weight > maxWeight {
				maxWeight = p.weight
			}
		}
	}
	score := maxWeight
	if len(reasons) > 1 {
		score += float64(len(reasons)-1) * 0.1
	}
	if score > 1 {
		score = 1
	}
	return score, reasons
}

func (g *PatternGuard) IsUnsafe(text string) bool {
	score, _ := g.Scan(text)
	return score >= g.threshold
}
