package engine

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/llm"
)

// TemplateRefiner rewrites a goal deterministically: placeholders are
// substituted in place and every filled value is listed after the goal.
type TemplateRefiner struct{}

// Refine implements Refiner.
func (TemplateRefiner) Refine(_ context.Context, goal string, missing MissingFields, filled map[string]string) (string, error) {
	refined := strings.TrimSpace(goal)
	for k, v := range filled {
		refined = strings.ReplaceAll(refined, "<"+k+">", v)
	}

	descriptions := make(map[string]string, len(missing))
	var keys []string
	for _, f := range missing {
		descriptions[f.Key] = f.Description
		keys = append(keys, f.Key)
	}
	for _, k := range sortedKeys(filled) {
		if !contains(keys, k) {
			keys = append(keys, k)
		}
	}

	var lines []string
	for _, k := range keys {
		v := strings.TrimSpace(filled[k])
		if v == "" {
			continue
		}
		line := "- " + k + ": " + v
		if d := descriptions[k]; d != "" {
			line += " (" + d + ")"
		}
		lines = append(lines, line)
	}

	var sb strings.Builder
	sb.WriteString(refined)
	if len(lines) > 0 {
		sb.WriteString("\n\nUse these values:\n")
		sb.WriteString(strings.Join(lines, "\n"))
	}
	if AnalyzeIntent(goal).DeferAll {
		sb.WriteString("\n\nWhere the request leaves a choice open, pick a sensible default.")
	}
	return sb.String(), nil
}

// LLMRefiner asks a model to rewrite the goal. Output that drops a filled
// value, or introduces a value found in neither the goal nor the filled
// values, is discarded in favour of the template rendition.
type LLMRefiner struct {
	client   llm.Client
	fallback TemplateRefiner
	logger   zerolog.Logger
}

// NewLLMRefiner creates a model-backed refiner.
func NewLLMRefiner(client llm.Client, logger zerolog.Logger) *LLMRefiner {
	return &LLMRefiner{
		client: client,
		logger: logger.With().Str("component", "refiner").Logger(),
	}
}

// Refine implements Refiner.
func (r *LLMRefiner) Refine(ctx context.Context, goal string, missing MissingFields, filled map[string]string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Request:\n")
	sb.WriteString(goal)
	if len(filled) > 0 {
		sb.WriteString("\n\nProvided values:\n")
		for _, k := range sortedKeys(filled) {
			sb.WriteString("- " + k + ": " + filled[k] + "\n")
		}
	}

	raw, err := llm.Ask(ctx, r.client, refinerSystemPrompt, sb.String())
	if err != nil {
		r.logger.Warn().Err(err).Msg("refiner model call failed, using template")
		return r.fallback.Refine(ctx, goal, missing, filled)
	}

	var out struct {
		RefinedPrompt string `json:"refined_prompt"`
	}
	if err := llm.ParseJSONObject(raw, &out); err != nil || strings.TrimSpace(out.RefinedPrompt) == "" {
		r.logger.Warn().Msg("unparseable refiner output, using template")
		return r.fallback.Refine(ctx, goal, missing, filled)
	}

	for k, v := range filled {
		if !strings.Contains(out.RefinedPrompt, v) {
			r.logger.Warn().Str("key", k).Msg("refined goal dropped a provided value, using template")
			return r.fallback.Refine(ctx, goal, missing, filled)
		}
	}
	if invented := inventedValues(out.RefinedPrompt, goal, missing, filled); len(invented) > 0 {
		r.logger.Warn().Strs("values", invented).Msg("refined goal introduced values, using template")
		return r.fallback.Refine(ctx, goal, missing, filled)
	}
	return strings.TrimSpace(out.RefinedPrompt), nil
}

var quotedValue = regexp.MustCompile(`(?:^|[\s(:=,])['"]([^'"\n]{1,64})['"]`)

// inventedValues returns the value-like tokens of refined that appear in
// neither the goal nor the requested keys and filled values. Value-like means
// quoted, a known region, a resource group name, a SKU, or a token mixing
// letters and digits.
func inventedValues(refined, goal string, missing MissingFields, filled map[string]string) []string {
	var known strings.Builder
	known.WriteString(strings.ToLower(goal))
	for k, v := range filled {
		known.WriteString("\n" + strings.ToLower(k) + "\n" + strings.ToLower(v))
	}
	for _, f := range missing {
		known.WriteString("\n" + strings.ToLower(f.Key))
	}
	corpus := known.String()

	var out []string
	seen := make(map[string]bool)
	check := func(v string) {
		lv := strings.ToLower(strings.TrimSpace(v))
		if lv == "" || seen[lv] || strings.Contains(corpus, lv) {
			return
		}
		seen[lv] = true
		out = append(out, v)
	}

	for _, m := range quotedValue.FindAllStringSubmatch(refined, -1) {
		check(m[1])
	}
	tokens := strings.FieldsFunc(refined, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.')
	})
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".-_")
		if looksLikeValue(tok) {
			check(tok)
		}
	}
	return out
}

func looksLikeValue(tok string) bool {
	lower := strings.ToLower(tok)
	if knownRegions[lower] || fullMatch(rgInline, lower) || guidPattern.MatchString(lower) {
		return true
	}
	if fullMatch(sizingValue, lower) && strings.ContainsAny(lower, "0123456789_") {
		return true
	}
	return strings.IndexFunc(lower, unicode.IsLetter) >= 0 && strings.IndexFunc(lower, unicode.IsDigit) >= 0
}

func fullMatch(re *regexp.Regexp, s string) bool {
	return re.FindString(s) == s
}
