package engine

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/llm"
)

// LLMResolver asks a model which values are missing and applies the
// deterministic rules on top of its answer: deferral and read-only goals yield
// nothing, filled keys are never requested again, and several resources of one
// kind each get their own name key.
type LLMResolver struct {
	client llm.Client
	rules  *RuleResolver
	logger zerolog.Logger
}

// NewLLMResolver creates a model-backed resolver.
func NewLLMResolver(client llm.Client, logger zerolog.Logger) *LLMResolver {
	return &LLMResolver{
		client: client,
		rules:  NewRuleResolver(logger),
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve implements Resolver.
func (r *LLMResolver) Resolve(ctx context.Context, goal string, filled map[string]string) (MissingFields, error) {
	intent := AnalyzeIntent(goal)
	if intent.ReadOnly || intent.DeferAll {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Request:\n")
	sb.WriteString(goal)
	if len(filled) > 0 {
		sb.WriteString("\n\nAlready provided:\n")
		for _, k := range sortedKeys(filled) {
			sb.WriteString("- " + k + ": " + filled[k] + "\n")
		}
	}

	raw, err := llm.Ask(ctx, r.client, resolverSystemPrompt, sb.String())
	if err != nil {
		r.logger.Warn().Err(err).Msg("resolver model call failed, using rules")
		return r.rules.Resolve(ctx, goal, filled)
	}

	fields, err := parseMissingFields(raw)
	if err != nil {
		r.logger.Warn().Err(err).Msg("unparseable resolver output, using rules")
		return r.rules.Resolve(ctx, goal, filled)
	}

	var out MissingFields
	for _, f := range distinctNames(fields, intent) {
		if intent.deferred(keyAttribute(f.Key), kindOfKey(f.Key)) {
			continue
		}
		out = append(out, f)
	}
	return withoutFilled(out, filled), nil
}

// distinctNames replaces collapsed name keys with one key per resource. When
// the goal asks for several resources of a kind, any unnumbered name key the
// model returned for that kind is swapped for the numbered keys the rules
// derive, at the position of the first collapsed key.
func distinctNames(fields MissingFields, intent Intent) MissingFields {
	plural := make(map[string][]resourceMention)
	for _, m := range intent.Resources {
		plural[m.kind.key] = append(plural[m.kind.key], m)
	}
	for k, ms := range plural {
		many := false
		for _, m := range ms {
			many = many || m.count > 1
		}
		if !many {
			delete(plural, k)
		}
	}
	if len(plural) == 0 {
		return fields
	}

	var out MissingFields
	expanded := make(map[string]bool)
	for _, f := range fields {
		kindKey := kindOfKey(f.Key)
		ms, ok := plural[kindKey]
		if !ok || keyAttribute(f.Key) != "name" || numberedKey.MatchString(f.Key) {
			out = append(out, f)
			continue
		}
		if expanded[kindKey] {
			continue
		}
		expanded[kindKey] = true
		for _, m := range ms {
			out = append(out, m.missingNames()...)
		}
	}
	// the model may have skipped names entirely
	kinds := make([]string, 0, len(plural))
	for k := range plural {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, kindKey := range kinds {
		if expanded[kindKey] || hasNameKey(out, kindKey) {
			continue
		}
		for _, m := range plural[kindKey] {
			out = append(out, m.missingNames()...)
		}
	}
	return out
}

var numberedKey = regexp.MustCompile(`_\d+$`)

func hasNameKey(fields MissingFields, kindKey string) bool {
	for _, f := range fields {
		if kindOfKey(f.Key) == kindKey && keyAttribute(f.Key) == "name" {
			return true
		}
	}
	return false
}

// parseMissingFields accepts either {"key": "description"} or
// [{"key": ..., "description": ...}].
func parseMissingFields(raw string) (MissingFields, error) {
	if list, err := llm.ExtractJSONArray[MissingField](raw); err == nil {
		var out MissingFields
		for _, f := range list {
			if k := sanitizeKey(f.Key); k != "" {
				out = append(out, MissingField{Key: k, Description: f.Description})
			}
		}
		return out, nil
	}

	var obj map[string]json.RawMessage
	if err := llm.ParseJSONObject(raw, &obj); err != nil {
		return nil, err
	}
	// JSON objects are unordered; sort keys so resolution is deterministic
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out MissingFields
	for _, k := range keys {
		var desc string
		if err := json.Unmarshal(obj[k], &desc); err != nil {
			desc = strings.Trim(string(obj[k]), `"`)
		}
		if key := sanitizeKey(k); key != "" {
			out = append(out, MissingField{Key: key, Description: desc})
		}
	}
	return out, nil
}

// keyAttribute maps a field key to the attribute a deferral can name.
func keyAttribute(key string) string {
	switch {
	case key == "resource_group" || strings.HasPrefix(key, "resource_group"):
		return "group"
	case strings.Contains(key, "location") || strings.Contains(key, "region"):
		return "location"
	case strings.Contains(key, "subscription"):
		return "subscription"
	case strings.Contains(key, "size") || strings.Contains(key, "sku") || strings.Contains(key, "tier"):
		return "size"
	case strings.Contains(key, "name"):
		return "name"
	default:
		return ""
	}
}

// kindOfKey returns the resource kind a field key belongs to, or "".
func kindOfKey(key string) string {
	best := ""
	for _, k := range resourceKinds {
		if strings.HasPrefix(key, k.key+"_") && len(k.key) > len(best) {
			best = k.key
		}
	}
	return best
}
