package deliverystatus

import (
	"regexp"
	"strings"
)

const (
	SourceCode = "code"
	SourceText = "text"
	SourceNone = "none"
)

type Resolution struct {
	Code   string `json:"code,omitempty"`
	Text   string `json:"text,omitempty"`
	Label  string `json:"label"`
	Icon   string `json:"icon"`
	Color  string `json:"color"`
	State  State  `json:"state"`
	Source string `json:"source"`
	Policy
}

// Rule matches legacy free-text statuses. Patterns are plain substrings; Regexp
// is used when substrings are not enough.
type Rule struct {
	Name     string
	Patterns []string
	Regexp   *regexp.Regexp
	State    State
	Label    string
	Policy   Policy
}

func (r Rule) matches(normalized string) bool {
	for _, p := range r.Patterns {
		if strings.Contains(normalized, normalizeText(p)) {
			return true
		}
	}
	return r.Regexp != nil && r.Regexp.MatchString(normalized)
}

// Порядок важен: более специфичные шаблоны должны стоять раньше общих.
var legacyRules = []Rule{
	{
		Name:     "partial_delivery",
		Patterns: []string{"تم التسليم مع الارجاع", "تسليم جزئي", "مع الارجاع", "partial"},
		State:    StatePartialDelivery,
		Label:    "Delivered with return",
		Policy:   Policy{RequiresManualProcessing: true},
	},
	{
		Name:     "returned_in_stock",
		Patterns: []string{"راجع عند التاجر", "تم استلام الراجع", "returned to merchant", "returned to stock"},
		State:    StateReturnedInStock,
		Label:    "Returned to merchant",
		Policy:   Policy{CanDelete: true, ReleasesStock: true},
	},
	{
		Name:     "postponed_until_reorder",
		Patterns: []string{"مؤجل لحين اعادة الطلب لاحقا", "مؤجل لحين اعادة الطلب"},
		State:    StateReturned,
		Label:    "Postponed until re-ordered",
	},
	{
		Name:     "not_delivered",
		Patterns: []string{"لم يتم التسليم", "undelivered"},
		Regexp:   regexp.MustCompile(`\bnot\s+delivered\b`),
		State:    StateDelivery,
		Label:    "Delivery attempt failed",
	},
	{
		Name:     "delivered",
		Patterns: []string{"تم التسليم", "تم استلام المبلغ", "محاسب", "مسلم", "delivered"},
		State:    StateDelivered,
		Label:    "Delivered",
		Policy:   Policy{ReleasesStock: true},
	},
	{
		Name:     "on_hold",
		Patterns: []string{"مراجعة", "تدقيق", "معلق", "on hold"},
		State:    StateDelivery,
		Label:    "On hold",
	},
	{
		Name:     "returned",
		Patterns: []string{"راجع", "ارجاع", "رفض", "الغاء", "ملغي", "cancel", "refused"},
		Regexp:   regexp.MustCompile(`\breturn(ed|ing)?\b`),
		State:    StateReturned,
		Label:    "Returned",
	},
	{
		Name:     "postponed",
		Patterns: []string{"مؤجل", "postponed"},
		State:    StateDelivery,
		Label:    "Postponed",
		Policy:   Policy{CanEdit: true},
	},
	{
		Name:     "out_for_delivery",
		Patterns: []string{"قيد التوصيل", "عهدة المندوب", "لا يرد", "مغلق", "out for delivery"},
		State:    StateDelivery,
		Label:    "Out for delivery",
	},
	{
		Name:     "shipped",
		Patterns: []string{"تم الاستلام من قبل المندوب", "في الطريق", "مخزن", "فرز", "مكتب", "shipped"},
		Regexp:   regexp.MustCompile(`\bin\s+transit\b`),
		State:    StateShipped,
		Label:    "Shipped",
	},
	{
		Name:     "pending",
		Patterns: []string{"فعال", "جديد", "pending"},
		Regexp:   regexp.MustCompile(`^new$`),
		State:    StatePending,
		Label:    "Pending",
		Policy:   Policy{CanEdit: true, CanDelete: true},
	},
}

type Resolver struct {
	registry *Registry
	rules    []Rule
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry, rules: legacyRules}
}

// WithRules replaces the legacy text rules; order is kept as given.
func (r *Resolver) WithRules(rules []Rule) *Resolver {
	r.rules = append([]Rule(nil), rules...)
	return r
}

func (r *Resolver) Registry() *Registry { return r.registry }

// Resolve maps a courier signal to display and policy. A code known to the registry
// wins; otherwise the free text goes through the ordered rules. Anything left
// unmatched gets every flag off.
func (r *Resolver) Resolve(code, freeText string) Resolution {
	code = strings.TrimSpace(code)
	freeText = strings.TrimSpace(freeText)

	if code != "" && r.registry.Has(code) {
		return fromDefinition(r.registry.Lookup(code), freeText)
	}
	if freeText != "" {
		norm := normalizeText(freeText)
		for _, rule := range r.rules {
			if !rule.matches(norm) {
				continue
			}
			disp := stateDisplay[rule.State]
			res := Resolution{
				Code:   code,
				Text:   freeText,
				Label:  rule.Label,
				Icon:   disp.icon,
				Color:  disp.color,
				State:  rule.State,
				Source: SourceText,
				Policy: rule.Policy,
			}
			if res.State == StatePartialDelivery && res.Code == "" {
				res.Code = r.registry.PartialDeliveryCode()
			}
			return res
		}
	}
	res := fromDefinition(r.registry.Lookup(code), freeText)
	res.Source = SourceNone
	return res
}

func fromDefinition(d Definition, text string) Resolution {
	if text == "" {
		text = d.Description
	}
	return Resolution{
		Code:   d.Code,
		Text:   text,
		Label:  d.Label,
		Icon:   d.Icon,
		Color:  d.Color,
		State:  d.State,
		Source: SourceCode,
		Policy: d.Policy,
	}
}

var arabicFolds = strings.NewReplacer(
	"أ", "ا", "إ", "ا", "آ", "ا",
	"ى", "ي",
	"ـ", "",
)

func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = arabicFolds.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
