// Package analysis derives keywords, intent, sentiment and risk from a call
// transcript using rule-based lexicons.
package analysis

import (
	"regexp"
	"sort"
	"strings"

	"signalhub-go/internal/types"
)

const maxKeywords = 10

var (
	tokenRe = regexp.MustCompile(`[a-z0-9']+`)

	stopWords = toSet(
		"the", "and", "for", "are", "but", "not", "you", "your", "with", "have", "this", "that",
		"was", "were", "they", "them", "their", "there", "from", "what", "when", "where", "which",
		"who", "will", "would", "could", "should", "can", "cant", "don't", "didn't", "i'm", "it's",
		"about", "into", "than", "then", "also", "just", "our", "out", "has", "had", "his", "her",
		"she", "him", "all", "any", "been", "being", "very", "want", "say", "says", "said",
	)

	positiveWords = toSet(
		"good", "great", "excellent", "thanks", "thank", "happy", "helpful", "resolved", "perfect",
		"appreciate", "love", "wonderful", "satisfied", "glad", "awesome", "fine", "pleased",
	)
	negativeWords = toSet(
		"bad", "terrible", "horrible", "angry", "furious", "unhappy", "dissatisfied", "wrong",
		"unacceptable", "problem", "issue", "issues", "broken", "complaint", "refund", "cancel",
		"frustrated", "worst", "never", "fake", "spam", "fail", "failed", "disappointed",
	)

	intentPatterns = map[string][]string{
		"customer support request": {"help", "support", "assist", "problem", "issue", "trouble", "broken", "not working", "error", "fix", "repair"},
		"sales inquiry":            {"price", "cost", "buy", "purchase", "order", "quote", "discount", "deal", "offer", "sale", "promotion"},
		"complaint or issue":       {"complaint", "angry", "furious", "unhappy", "dissatisfied", "wrong", "bad", "terrible", "horrible", "unacceptable"},
		"general information":      {"what", "how", "when", "where", "why", "information", "details", "explain", "tell me", "question"},
		"appointment booking":      {"appointment", "schedule", "book", "reservation", "meeting", "time", "date", "calendar", "available"},
		"technical problem":        {"technical", "system", "software", "hardware", "network", "connection", "login", "password", "access", "download"},
		"billing question":         {"bill", "payment", "charge", "invoice", "account", "money", "refund", "credit", "debit", "subscription"},
		"product inquiry":          {"product", "feature", "specification", "model", "version", "compatibility", "requirement", "specs"},
	}

	highRiskKeywords = []string{
		"urgent", "emergency", "critical", "immediately", "asap", "complaint", "sue", "lawyer",
		"legal", "escalate", "cancel", "refund", "money back", "dispute", "wrong", "angry",
		"furious", "unacceptable", "terrible", "horrible",
	}
	complianceKeywords = []string{
		"privacy", "data", "personal", "confidential", "secure", "breach", "hack",
		"unauthorized", "access", "information",
	}
	urgencyKeywords = []string{
		"urgent", "emergency", "critical", "immediately", "asap", "now", "today", "deadline", "time sensitive",
	}
)

const defaultIntent = "general information"

// Analyze never fails; an empty transcript yields a neutral, low-risk result.
func Analyze(text string) types.Analysis {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	tokens := tokenRe.FindAllString(lower, -1)

	a := types.Analysis{
		WordCount:      len(strings.Fields(text)),
		CharacterCount: len([]rune(text)),
		Keywords:       keywords(tokens),
	}
	a.Intent, a.IntentScore = intent(lower)
	a.Sentiment, a.SentimentScore = sentiment(tokens)
	a.RiskLevel, a.RiskScore, a.UrgencyLevel, a.ComplianceRisk = risk(lower, a.Sentiment)
	return a
}

func keywords(tokens []string) []string {
	freq := map[string]int{}
	var order []string
	for _, tok := range tokens {
		if len(tok) <= 2 || stopWords[tok] || isNumeric(tok) {
			continue
		}
		if freq[tok] == 0 {
			order = append(order, tok)
		}
		freq[tok]++
	}
	sort.SliceStable(order, func(i, j int) bool { return freq[order[i]] > freq[order[j]] })
	if len(order) > maxKeywords {
		order = order[:maxKeywords]
	}
	return order
}

func intent(lower string) (string, float64) {
	if lower == "" {
		return defaultIntent, 0
	}
	best, bestScore, maxPatterns := "", 0, 0
	labels := make([]string, 0, len(intentPatterns))
	for label, kws := range intentPatterns {
		labels = append(labels, label)
		maxPatterns = max(maxPatterns, len(kws))
	}
	sort.Strings(labels)
	for _, label := range labels {
		score := countMatches(lower, intentPatterns[label])
		if score > bestScore {
			best, bestScore = label, score
		}
	}
	if bestScore == 0 {
		return defaultIntent, 0
	}
	return best, float64(bestScore) / float64(maxPatterns)
}

func sentiment(tokens []string) (string, int) {
	var pos, neg int
	for _, tok := range tokens {
		switch {
		case positiveWords[tok]:
			pos++
		case negativeWords[tok]:
			neg++
		}
	}
	if pos+neg == 0 {
		return "neutral", 0
	}
	compound := float64(pos-neg) / float64(pos+neg)
	switch {
	case compound >= 0.05:
		return "positive", int(compound * 100)
	case compound <= -0.05:
		return "negative", int(compound * 100)
	default:
		return "neutral", 0
	}
}

func risk(lower, sentiment string) (level string, score int, urgency, compliance string) {
	level, urgency, compliance = "low", "low", "none"

	switch n := countMatches(lower, highRiskKeywords); {
	case n >= 3:
		level, score = "high", 80
	case n >= 1:
		level, score = "medium", 50
	}
	switch n := countMatches(lower, urgencyKeywords); {
	case n >= 2:
		urgency = "critical"
	case n >= 1:
		urgency = "high"
	}
	switch n := countMatches(lower, complianceKeywords); {
	case n >= 2:
		compliance = "high"
	case n >= 1:
		compliance = "medium"
	}
	if sentiment == "negative" {
		score = min(100, score+20)
		if level == "low" {
			level = "medium"
		}
	}
	return level, score, urgency, compliance
}

func countMatches(lower string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	return n
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
