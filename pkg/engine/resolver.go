package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var deferralPhrases = []string{
	"you decide", "your choice", "up to you", "you choose", "choose for me",
	"decide for me", "your call", "you pick", "pick for me", "any name",
	"whatever you think", "use defaults", "use default values", "sensible defaults",
}

var (
	readOnlyPattern = regexp.MustCompile(`(?i)\b(search|list|find|query|show|get|describe|count|how many|look ?up|display|report|inspect|which|what)\b`)
	mutatingPattern = regexp.MustCompile(`(?i)\b(create|deploy|provision|add|set ?up|configure|update|attach|peer|enable|install|build|make|launch|start|scale|assign|grant|upgrade|migrate|restart|resize|tag|move|copy|upload|connect|join|mount|run|open|allow|expose)\b`)
	clauseSplit     = regexp.MustCompile(`[.,;!?\n]+`)
	actionSplit     = regexp.MustCompile(`(?i)\b(?:and then|and also|after that|then|also|and)\b`)
	guidPattern     = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	sizingWords     = regexp.MustCompile(`(?i)\b(size|sizes|sku|skus|tier|tiers)\b`)
	sizingValue     = regexp.MustCompile(`(?i)\b(standard_[a-z0-9_]+|basic_[a-z0-9_]+|premium_[a-z0-9_]+|[a-z][0-9]+[a-z]*_v[0-9]+|[a-z][0-9]+[a-z]*s?|basic|standard|premium|hot|cool|archive)\b`)
	subscription    = regexp.MustCompile(`(?i)\bsubscriptions?\b`)
	locationPhrase  = regexp.MustCompile(`(?i)\b(?:in|at)\s+(?:the\s+)?(?:region|location)\s+['"]?([a-z][a-z0-9-]+)['"]?`)
	locationAttr    = regexp.MustCompile(`(?i)\b(location|region)s?\b`)
	regionPattern   = regexp.MustCompile(`(?i)\b((?:us|eu|ap|sa|ca|me|af|il)-[a-z]+-\d|(?:us|europe|asia|australia|northamerica|southamerica|me|africa)-[a-z]+\d)\b`)
	nameAttr        = regexp.MustCompile(`(?i)\bnames?\b`)
	groupAttr       = regexp.MustCompile(`(?i)\b(resource groups?|rg)\b`)
	rgNamed         = regexp.MustCompile(`(?i)\b(?:resource group|rg)\s+(named\s+|called\s+)?(['"])?([a-z0-9][\w.-]*)`)
	rgInline        = regexp.MustCompile(`(?i)\b(rg-[\w.-]+|[\w.-]+-rg)\b`)
	nameListPattern = regexp.MustCompile(`(?i)^\s*(?:named|called|with (?:the )?names?|name(?:d)? it)\s+((?:['"]?[a-z0-9][\w.-]*['"]?)(?:\s*(?:,|and)\s*['"]?[a-z0-9][\w.-]*['"]?)*)`)
	quotedName      = regexp.MustCompile(`^\s*['"]([^'"]+)['"]`)
	listSplit       = regexp.MustCompile(`\s*(?:,|\band\b)\s*`)
)

// Verbs that lead an action. Intent is read from the first word of each
// action, so "list the VMs that run Ubuntu" stays a listing.
var (
	readOnlyVerbs = map[string]bool{
		"search": true, "list": true, "find": true, "query": true, "show": true, "get": true,
		"describe": true, "count": true, "how": true, "lookup": true, "look": true, "display": true,
		"report": true, "inspect": true, "which": true, "what": true, "check": true, "view": true,
		"fetch": true, "tell": true, "summarize": true, "enumerate": true,
	}
	mutatingVerbs = map[string]bool{
		"create": true, "deploy": true, "provision": true, "add": true, "set": true, "setup": true,
		"configure": true, "update": true, "attach": true, "peer": true, "enable": true, "install": true,
		"build": true, "make": true, "launch": true, "start": true, "scale": true, "assign": true,
		"grant": true, "upgrade": true, "migrate": true, "restart": true, "resize": true, "tag": true,
		"move": true, "copy": true, "upload": true, "connect": true, "join": true, "mount": true,
		"run": true, "open": true, "allow": true, "expose": true, "spin": true, "stop": true,
		"delete": true, "remove": true, "disable": true, "apply": true, "rename": true, "restore": true,
	}
	leadingFillers = map[string]bool{
		"please": true, "kindly": true, "can": true, "could": true, "would": true, "will": true,
		"you": true, "i": true, "we": true, "i'd": true, "want": true, "need": true, "like": true,
		"to": true, "help": true, "me": true, "us": true, "let's": true, "lets": true, "go": true,
		"ahead": true, "now": true, "just": true, "first": true, "next": true, "finally": true,
		"quickly": true, "so": true,
	}
)

var knownRegions = map[string]bool{
	"eastus": true, "eastus2": true, "westus": true, "westus2": true, "westus3": true,
	"centralus": true, "northcentralus": true, "southcentralus": true, "westcentralus": true,
	"canadacentral": true, "canadaeast": true, "brazilsouth": true,
	"northeurope": true, "westeurope": true, "uksouth": true, "ukwest": true,
	"francecentral": true, "germanywestcentral": true, "swedencentral": true,
	"switzerlandnorth": true, "norwayeast": true, "polandcentral": true, "italynorth": true,
	"eastasia": true, "southeastasia": true, "japaneast": true, "japanwest": true,
	"koreacentral": true, "centralindia": true, "southindia": true,
	"australiaeast": true, "australiasoutheast": true, "uaenorth": true, "southafricanorth": true,
}

var countWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "single": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "pair of": 2, "couple of": 2,
}

var qualifierStopwords = map[string]bool{
	"new": true, "more": true, "additional": true, "separate": true, "extra": true,
	"small": true, "large": true, "simple": true, "empty": true, "basic": true,
	"my": true, "the": true, "other": true, "few": true, "of": true, "sql": true,
}

var nameStopwords = map[string]bool{
	"in": true, "and": true, "with": true, "for": true, "to": true, "at": true, "on": true,
	"named": true, "called": true, "that": true, "which": true, "the": true, "my": true,
	"a": true, "an": true, "of": true, "using": true, "from": true, "into": true, "as": true,
	"is": true, "it": true, "them": true, "each": true, "if": true, "then": true, "first": true,
}

// resourceKind describes a resource category the resolver recognises.
type resourceKind struct {
	key       string
	label     string
	pattern   *regexp.Regexp
	sizingKey string
	sizingEx  string
}

func kind(key, label, alts, sizingKey, sizingEx string) resourceKind {
	counts := make([]string, 0, len(countWords))
	for w := range countWords {
		counts = append(counts, regexp.QuoteMeta(w))
	}
	// longest alternatives first so "pair of" wins over "a"
	sortByLenDesc(counts)
	expr := `(?i)\b(?:(\d+|` + strings.Join(counts, "|") + `)\s+(?:([a-z0-9][a-z0-9-]*)\s+)?)?(?:` + alts + `)\b`
	return resourceKind{
		key:       key,
		label:     label,
		pattern:   regexp.MustCompile(expr),
		sizingKey: sizingKey,
		sizingEx:  sizingEx,
	}
}

var resourceKinds = []resourceKind{
	kind("vm", "virtual machine", `vms?|virtual machines?`, "vm_size", "Standard_B2s"),
	kind("vnet", "virtual network", `vnets?|virtual networks?`, "", ""),
	kind("subnet", "subnet", `subnets?`, "", ""),
	kind("storage_account", "storage account", `storage accounts?`, "storage_sku", "Standard_LRS"),
	kind("public_ip", "public IP address", `public ips?|public ip addresses?`, "", ""),
	kind("nsg", "network security group", `nsgs?|network security groups?`, "", ""),
	kind("aks_cluster", "Kubernetes cluster", `aks clusters?|kubernetes clusters?|aks`, "node_vm_size", "Standard_D4s_v5"),
	kind("key_vault", "key vault", `key ?vaults?`, "", ""),
	kind("sql_server", "SQL server", `sql servers?`, "", ""),
	kind("sql_database", "SQL database", `sql databases?|databases?`, "database_tier", "GeneralPurpose"),
	kind("web_app", "web app", `web ?apps?|app services?`, "app_service_plan_sku", "P1v3"),
	kind("container_registry", "container registry", `container registr(?:y|ies)|acr`, "registry_sku", "Basic"),
	kind("load_balancer", "load balancer", `load balancers?`, "", ""),
	kind("function_app", "function app", `function apps?`, "", ""),
}

func sortByLenDesc(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && len(s[j]) > len(s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// RuleResolver resolves missing values with deterministic rules. It is the
// default resolver and the guard applied on top of model-based resolution.
type RuleResolver struct {
	logger zerolog.Logger
}

// NewRuleResolver creates a rule-based resolver.
func NewRuleResolver(logger zerolog.Logger) *RuleResolver {
	return &RuleResolver{logger: logger.With().Str("component", "resolver").Logger()}
}

// Resolve implements Resolver.
func (r *RuleResolver) Resolve(ctx context.Context, goal string, filled map[string]string) (MissingFields, error) {
	intent := AnalyzeIntent(goal)
	if intent.ReadOnly {
		r.logger.Debug().Msg("read-only goal, nothing required")
		return nil, nil
	}
	if intent.DeferAll {
		r.logger.Debug().Msg("goal defers all choices")
		return nil, nil
	}

	var fields MissingFields
	lower := strings.ToLower(goal)

	groupable := len(intent.Resources) > 0 || groupAttr.MatchString(lower)

	if groupable && !hasGroupName(goal) && !intent.deferred("group", "") {
		fields = append(fields, MissingField{Key: "resource_group", Description: "Name of the resource group"})
	}

	for _, m := range intent.Resources {
		if intent.deferred("name", m.kind.key) {
			continue
		}
		fields = append(fields, m.missingNames()...)
	}

	if sizingWords.MatchString(lower) && !sizingValue.MatchString(stripSizingWords(lower)) {
		for _, m := range intent.Resources {
			if m.kind.sizingKey == "" || intent.deferred("size", m.kind.key) {
				continue
			}
			fields = append(fields, MissingField{
				Key:         m.kind.sizingKey,
				Description: fmt.Sprintf("Size or tier of the %s (e.g., %s)", m.kind.label, m.kind.sizingEx),
			})
			break
		}
	}

	if groupable && !hasLocation(goal) && !intent.deferred("location", "") {
		fields = append(fields, MissingField{Key: "location", Description: "Region or location (e.g., eastus, westus2)"})
	}

	if subscription.MatchString(lower) && !guidPattern.MatchString(goal) && !intent.deferred("subscription", "") {
		fields = append(fields, MissingField{Key: "subscription_id", Description: "Subscription ID"})
	}

	return withoutFilled(fields, filled), nil
}

func withoutFilled(fields MissingFields, filled map[string]string) MissingFields {
	var out MissingFields
	for _, f := range fields {
		if strings.TrimSpace(filled[f.Key]) != "" {
			continue
		}
		if !out.Has(f.Key) {
			out = append(out, f)
		}
	}
	return out
}

// Intent is the rule-level reading of a goal.
type Intent struct {
	ReadOnly  bool
	DeferAll  bool
	Resources []resourceMention

	// deferrals maps attribute -> kinds ("" means all kinds)
	deferrals map[string][]string
}

func (i Intent) deferred(attr, kindKey string) bool {
	kinds, ok := i.deferrals[attr]
	if !ok {
		return false
	}
	for _, k := range kinds {
		if k == "" || k == kindKey {
			return true
		}
	}
	return false
}

type resourceMention struct {
	kind      resourceKind
	qualifier string
	count     int
	names     []string
}

func (m resourceMention) missingNames() MissingFields {
	if len(m.names) >= m.count {
		return nil
	}
	base := m.kind.key + "_name"
	if m.qualifier != "" {
		base += "_" + m.qualifier
	}
	label := m.kind.label
	if m.qualifier != "" {
		label = m.qualifier + " " + label
	}

	if m.count == 1 {
		return MissingFields{{Key: base, Description: "Name of the " + label}}
	}
	var out MissingFields
	for i := len(m.names) + 1; i <= m.count; i++ {
		out = append(out, MissingField{
			Key:         base + "_" + strconv.Itoa(i),
			Description: fmt.Sprintf("Name of %s %d of %d", label, i, m.count),
		})
	}
	return out
}

// AnalyzeIntent reads deferral, read-only and resource intent out of a goal.
func AnalyzeIntent(goal string) Intent {
	lower := strings.ToLower(goal)
	intent := Intent{deferrals: make(map[string][]string)}

	reads, mutates := leadingVerbs(lower)
	if reads || mutates {
		intent.ReadOnly = reads && !mutates
	} else {
		intent.ReadOnly = readOnlyPattern.MatchString(lower) && !mutatingPattern.MatchString(lower)
	}

	for _, clause := range clauseSplit.Split(lower, -1) {
		if !containsAny(clause, deferralPhrases) {
			continue
		}
		attrs := clauseAttributes(clause)
		if len(attrs) == 0 {
			intent.DeferAll = true
			continue
		}
		scoped := clauseKinds(clause)
		for _, a := range attrs {
			kinds := []string{""}
			if (a == "name" || a == "size") && len(scoped) > 0 {
				kinds = scoped
			}
			intent.deferrals[a] = append(intent.deferrals[a], kinds...)
		}
	}

	intent.Resources = findResources(goal)
	return intent
}

// leadingVerbs reports whether any action in goal starts with a read-only or
// a mutating verb. Verbs inside relative clauses are not actions.
func leadingVerbs(lower string) (reads, mutates bool) {
	for _, clause := range clauseSplit.Split(lower, -1) {
		for _, action := range actionSplit.Split(clause, -1) {
			words := strings.FieldsFunc(action, func(r rune) bool {
				return !(r >= 'a' && r <= 'z' || r == '\'')
			})
			lead := ""
			for _, w := range words {
				if !leadingFillers[w] {
					lead = w
					break
				}
			}
			reads = reads || readOnlyVerbs[lead]
			mutates = mutates || mutatingVerbs[lead]
		}
	}
	return reads, mutates
}

func clauseAttributes(clause string) []string {
	var attrs []string
	if nameAttr.MatchString(clause) {
		attrs = append(attrs, "name")
	}
	if locationAttr.MatchString(clause) {
		attrs = append(attrs, "location")
	}
	if sizingWords.MatchString(clause) {
		attrs = append(attrs, "size")
	}
	if groupAttr.MatchString(clause) {
		attrs = append(attrs, "group")
	}
	if subscription.MatchString(clause) {
		attrs = append(attrs, "subscription")
	}
	return attrs
}

func clauseKinds(clause string) []string {
	var kinds []string
	for _, k := range resourceKinds {
		if k.pattern.MatchString(clause) {
			kinds = append(kinds, k.key)
		}
	}
	return kinds
}

func findResources(goal string) []resourceMention {
	type groupKey struct{ kind, qualifier string }
	var order []groupKey
	merged := make(map[groupKey]*resourceMention)
	qualified := make(map[string]bool)

	for _, k := range resourceKinds {
		for _, loc := range k.pattern.FindAllStringSubmatchIndex(goal, -1) {
			count := 1
			if loc[2] >= 0 {
				word := strings.ToLower(goal[loc[2]:loc[3]])
				if n, err := strconv.Atoi(word); err == nil && n > 0 {
					count = n
				} else if n, ok := countWords[word]; ok {
					count = n
				}
			}
			qualifier := ""
			if loc[4] >= 0 {
				q := strings.ToLower(goal[loc[4]:loc[5]])
				if !qualifierStopwords[q] {
					qualifier = sanitizeKey(q)
				}
			}
			names := namesAfter(goal[loc[1]:])

			gk := groupKey{k.key, qualifier}
			if qualifier != "" {
				qualified[k.key] = true
			}
			if m, ok := merged[gk]; ok {
				if count > m.count {
					m.count = count
				}
				m.names = append(m.names, names...)
				continue
			}
			order = append(order, gk)
			merged[gk] = &resourceMention{kind: k, qualifier: qualifier, count: count, names: names}
		}
	}

	var out []resourceMention
	for _, gk := range order {
		// unqualified mentions are subsumed by qualified ones of the same kind
		if gk.qualifier == "" && qualified[gk.kind] {
			continue
		}
		out = append(out, *merged[gk])
	}
	// resource groups are handled separately as the container category
	return sortMentionsByPosition(goal, out)
}

func sortMentionsByPosition(goal string, ms []resourceMention) []resourceMention {
	lower := strings.ToLower(goal)
	pos := func(m resourceMention) int {
		if loc := m.kind.pattern.FindStringIndex(lower); loc != nil {
			return loc[0]
		}
		return len(lower)
	}
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && pos(ms[j]) < pos(ms[j-1]); j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
	return ms
}

func namesAfter(rest string) []string {
	if m := nameListPattern.FindStringSubmatch(rest); m != nil {
		var names []string
		for _, n := range listSplit.Split(m[1], -1) {
			n = strings.Trim(strings.TrimSpace(n), `'"`)
			if n != "" && !nameStopwords[strings.ToLower(n)] {
				names = append(names, n)
			}
		}
		return names
	}
	if m := quotedName.FindStringSubmatch(rest); m != nil {
		return []string{m[1]}
	}
	return nil
}

func hasGroupName(goal string) bool {
	if rgInline.MatchString(goal) {
		return true
	}
	for _, m := range rgNamed.FindAllStringSubmatch(goal, -1) {
		name := strings.TrimRight(m[3], ".-")
		if name == "" || nameStopwords[strings.ToLower(name)] {
			continue
		}
		// a bare word after "resource group" is only a name when it looks like one
		if m[1] != "" || m[2] != "" || strings.ContainsAny(name, "0123456789-_") {
			return true
		}
	}
	return false
}

func hasLocation(goal string) bool {
	lower := strings.ToLower(goal)
	if locationPhrase.MatchString(lower) || regionPattern.MatchString(lower) {
		return true
	}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if knownRegions[w] {
			return true
		}
	}
	return false
}

func stripSizingWords(s string) string {
	return sizingWords.ReplaceAllString(s, " ")
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func sanitizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
