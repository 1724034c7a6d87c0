package pipeline

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/audit"
	"github.com/rxlytics/analyst-engine/pkg/catalog"
	"github.com/rxlytics/analyst-engine/pkg/models"
	"github.com/rxlytics/analyst-engine/pkg/sqlguard"
)

// Substring matches on the lowercased question flip the run into insights
// mode (multi-task decomposition).
var insightKeywords = []string{
	"why", "drivers", "factors", "insights", "explain",
	"root cause", "decline", "growth", "change", "reason",
	"drop", "increase", "decrease", "trend",
}

// Single-word overlaps with the question; two or more allow the request
// without an LLM round-trip.
var analyticsDomains = map[string]bool{
	"sales": true, "revenue": true, "product": true, "products": true,
	"territory": true, "territories": true,
	"time": true, "trend": true, "trends": true,
	"comparison": true, "comparisons": true, "compare": true,
	"driver": true, "drivers": true, "prescriptions": true,
	"trx": true, "nrx": true, "units": true,
	"quarter": true, "quarterly": true, "monthly": true, "yearly": true, "annual": true,
	"region": true, "regions": true, "state": true, "states": true,
	"top": true, "bottom": true,
	"growth": true, "decline": true, "market": true, "share": true, "performance": true,
	"brand": true, "therapeutic": true, "oncology": true,
	"cardiovascular": true, "respiratory": true, "cns": true,
	"forecast": true, "average": true, "total": true, "sum": true, "count": true,
}

// Prompt-injection and clearly off-topic requests, rejected without an LLM
// round-trip.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(write|compose|draft)\s+(a\s+)?(poem|essay|story|song|joke|limerick)`),
	regexp.MustCompile(`(?i)\b(tell|say)\s+(me\s+)?(a\s+)?(joke|riddle|story|fun fact)`),
	regexp.MustCompile(`(?i)\bhack\b`),
	regexp.MustCompile(`(?i)\bexploit\b`),
	regexp.MustCompile(`(?i)\bbypass\b`),
	regexp.MustCompile(`(?i)\bignore\s+instructions\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)\bpretend\s+you\b`),
	regexp.MustCompile(`(?i)\bact\s+as\b`),
	regexp.MustCompile(`(?i)\bforget\s+(your|all)\b`),
	regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
	regexp.MustCompile(`(?i)\b(recipe|cook|weather|translate|code\s+review)\b`),
	regexp.MustCompile(`(?i)\b(delete|drop|update|insert|truncate|modify)\b.*\b(data|table|tables|record|records|row|rows|database)\b`),
}

var (
	greetingWords = map[string]bool{
		"hi": true, "hello": true, "hey": true, "help": true,
		"what": true, "who": true, "how": true,
	}
	botWords = map[string]bool{
		"bot": true, "analyst": true, "you": true, "pharma": true,
	}
	timeWords = map[string]bool{
		"2023": true, "2024": true, "2025": true,
		"q1": true, "q2": true, "q3": true, "q4": true,
		"january": true, "february": true, "march": true, "april": true,
		"may": true, "june": true, "july": true, "august": true,
		"september": true, "october": true, "november": true, "december": true,
		"ytd": true, "year": true,
	}
)

var wordRegexp = regexp.MustCompile(`[a-z0-9]+`)

// preprocess normalizes the raw utterance and detects the analysis mode.
func preprocess(message string) (string, string) {
	msg := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, message)
	msg = strings.TrimSpace(msg)

	mode := models.ModeSimple
	lower := strings.ToLower(msg)
	for _, kw := range insightKeywords {
		if strings.Contains(lower, kw) {
			mode = models.ModeInsights
			break
		}
	}
	return msg, mode
}

// DetectMode classifies a raw question as a simple lookup or a multi-task
// insights analysis. Exposed so callers can open the audit record with the
// right mode before the run starts.
func DetectMode(message string) string {
	_, mode := preprocess(message)
	return mode
}

type scopeDecision struct {
	blocked            bool
	reason             string
	needsClarification bool
	questions          []string
}

// checkScope is the rules-first scope and policy gate: injection screen and
// blocked patterns reject instantly, greetings and clear analytics questions
// pass instantly, and only the ambiguous middle pays for an LLM check.
func (p *Pipeline) checkScope(ctx context.Context, st *runState, emit Emitter, input Input, msg, mode string) (scopeDecision, error) {
	lower := strings.ToLower(msg)
	words := wordSet(lower)

	// Step A: SQL injection screen.
	if screen := sqlguard.ScreenInput(msg); screen != nil {
		if p.security != nil {
			p.security.LogInjectionAttempt(input.RequestID, input.UserID, audit.InjectionDetails{
				Input:       msg,
				Fingerprint: screen.Fingerprint,
			})
		}
		emit.Emit(models.NewStatusEvent("scope_policy_check", "Blocked (rules) — unsafe input"))
		p.logger.Warn("scope blocked: injection screen",
			zap.String("request_id", input.RequestID))
		return scopeDecision{blocked: true, reason: "This doesn't look like a pharmaceutical data question."}, nil
	}

	// Step B: blocked patterns.
	for _, pat := range blockedPatterns {
		if pat.MatchString(lower) {
			if p.security != nil {
				p.security.LogBlockedPrompt(input.RequestID, input.UserID, pat.String())
			}
			emit.Emit(models.NewStatusEvent("scope_policy_check", "Blocked (rules) — off-topic request"))
			p.logger.Info("scope blocked by rules",
				zap.String("request_id", input.RequestID))
			return scopeDecision{blocked: true, reason: "This doesn't look like a pharmaceutical data question."}, nil
		}
	}

	// Step C: greetings and small-talk about the bot itself.
	if intersects(words, greetingWords) && (len(words) < 6 || intersects(words, botWords)) {
		emit.Emit(models.NewStatusEvent("scope_policy_check", "Allowed (rules) — greeting / help"))
		return scopeDecision{}, nil
	}

	// Step D: clear analytics questions.
	if countIntersect(words, analyticsDomains) >= 2 {
		if mode == models.ModeInsights {
			if questions := p.vagueInsightQuestions(words); len(questions) >= 2 {
				emit.Emit(models.NewStatusEvent("scope_policy_check", "Need clarification — question is too vague"))
				p.logger.Info("scope needs clarification",
					zap.String("request_id", input.RequestID),
					zap.Strings("missing", questions))
				return scopeDecision{needsClarification: true, questions: questions}, nil
			}
		}
		emit.Emit(models.NewStatusEvent("scope_policy_check", "Allowed (rules) — analytics question detected"))
		return scopeDecision{}, nil
	}

	// Step E: ambiguous, fall back to the LLM.
	emit.Emit(models.NewStatusEvent("scope_policy_check", "Ambiguous → using LLM scope check"))

	system := "You are a scope-checking agent for a pharmaceutical data analyst bot. " +
		"The bot can ONLY answer questions about pharmaceutical sales data " +
		"(sales, revenue, prescriptions, products, territories, trends, comparisons). " +
		"Return JSON: {\"in_scope\": true/false, \"reason\": \"...\"}\n" +
		"If the question is a greeting or chitchat about the bot itself, mark in_scope=true."

	type scopeResponse struct {
		InScope *bool  `json:"in_scope"`
		Reason  string `json:"reason"`
	}
	resp, err := callJSON[scopeResponse](ctx, p, st, system, msg, 0)
	if err != nil {
		return scopeDecision{}, err
	}

	if resp.InScope != nil && !*resp.InScope {
		reason := resp.Reason
		if reason == "" {
			reason = "Question is out of scope."
		}
		if p.security != nil {
			p.security.LogBlockedPrompt(input.RequestID, input.UserID, reason)
		}
		emit.Emit(models.NewStatusEvent("scope_policy_check", "Blocked (LLM) — "+truncate(reason, 60)))
		return scopeDecision{blocked: true, reason: reason}, nil
	}

	emit.Emit(models.NewStatusEvent("scope_policy_check", "Allowed (LLM)"))
	return scopeDecision{}, nil
}

// vagueInsightQuestions checks an insight question for specificity against
// the catalog's known entities. Matching goes through the catalog so plural
// mentions ("therapies", "cardiovasculars") still anchor. Each missing
// anchor yields one candidate clarifying question.
func (p *Pipeline) vagueInsightQuestions(words map[string]bool) []string {
	hasProduct := false
	hasRegion := false
	for w := range words {
		entity, ok := p.catalog.MatchEntity(w)
		if !ok {
			continue
		}
		switch entity.Kind {
		case catalog.EntityProduct, catalog.EntityTherapeuticArea:
			hasProduct = true
		case catalog.EntityRegion:
			hasRegion = true
		}
	}
	hasTime := intersects(words, timeWords)

	var missing []string
	if !hasProduct {
		missing = append(missing, "Which product or therapeutic area?")
	}
	if !hasRegion {
		missing = append(missing, "Which region or territory?")
	}
	if !hasTime {
		missing = append(missing, "What time period (e.g. Q1 2024, last year)?")
	}
	return missing
}

func wordSet(lower string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range wordRegexp.FindAllString(lower, -1) {
		set[w] = true
	}
	return set
}

func intersects(words, against map[string]bool) bool {
	for w := range words {
		if against[w] {
			return true
		}
	}
	return false
}

func countIntersect(words, against map[string]bool) int {
	n := 0
	for w := range words {
		if against[w] {
			n++
		}
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
