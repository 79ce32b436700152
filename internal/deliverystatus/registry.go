package deliverystatus

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// State is the canonical internal state every courier code collapses into.
type State string

const (
	StatePending         State = "pending"
	StateShipped         State = "shipped"
	StateDelivery        State = "delivery"
	StateDelivered       State = "delivered"
	StateReturned        State = "returned"
	StateReturnedInStock State = "returned_in_stock"
	StatePartialDelivery State = "partial_delivery"

	// StateUnknown is only ever carried by the safe default definition.
	StateUnknown State = "unknown"
)

func (s State) IsKnown() bool {
	switch s {
	case StatePending, StateShipped, StateDelivery, StateDelivered,
		StateReturned, StateReturnedInStock, StatePartialDelivery:
		return true
	default:
		return false
	}
}

// releasesStock is the domain rule: stock leaves the reserved pool only on final
// delivery or on a confirmed return to the merchant.
func (s State) releasesStock() bool {
	return s == StateDelivered || s == StateReturnedInStock
}

type Policy struct {
	CanDelete                bool `json:"canDelete"`
	CanEdit                  bool `json:"canEdit"`
	ReleasesStock            bool `json:"releasesStock"`
	RequiresManualProcessing bool `json:"requiresManualProcessing"`
}

type Definition struct {
	Code        string `json:"code"`
	State       State  `json:"state"`
	Description string `json:"description"`
	Label       string `json:"label"`
	Color       string `json:"color"`
	Icon        string `json:"icon"`
	Policy
}

// Known reports whether the definition came from the table.
func (d Definition) Known() bool { return d.State.IsKnown() }

func unknownDefinition(code string) Definition {
	return Definition{
		Code:        code,
		State:       StateUnknown,
		Description: "حالة غير معروفة",
		Label:       "Unknown",
		Color:       "#9e9e9e",
		Icon:        "help",
	}
}

// Registry is the read-only courier taxonomy. Build it once at startup.
type Registry struct {
	defs        map[string]Definition
	ordered     []Definition
	partialCode string
	log         *slog.Logger
}

func NewRegistry(table []Definition, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		defs: make(map[string]Definition, len(table)),
		log:  log.With("component", "status_registry"),
	}
	for _, d := range table {
		d.Code = strings.TrimSpace(d.Code)
		if d.Code == "" {
			return nil, errors.Errorf("status definition without code")
		}
		if !d.State.IsKnown() {
			return nil, errors.Errorf("status %s: invalid canonical state %q", d.Code, d.State)
		}
		if _, dup := r.defs[d.Code]; dup {
			return nil, errors.Errorf("status %s defined twice", d.Code)
		}
		if d.ReleasesStock != d.State.releasesStock() {
			return nil, errors.Errorf("status %s: releasesStock=%v contradicts state %s", d.Code, d.ReleasesStock, d.State)
		}
		if d.State == StatePartialDelivery {
			if r.partialCode != "" {
				return nil, errors.Errorf("status %s: second delivered-with-return code (first is %s)", d.Code, r.partialCode)
			}
			r.partialCode = d.Code
		}
		r.defs[d.Code] = d
		r.ordered = append(r.ordered, d)
	}
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return codeLess(r.ordered[i].Code, r.ordered[j].Code)
	})
	return r, nil
}

// MustDefault builds the registry from the built-in courier table.
func MustDefault(log *slog.Logger) *Registry {
	r, err := NewRegistry(courierTable, log)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup never fails: an unknown code yields a definition with every flag off.
func (r *Registry) Lookup(code string) Definition {
	code = strings.TrimSpace(code)
	if d, ok := r.defs[code]; ok {
		return d
	}
	if code != "" {
		r.log.Warn("unknown courier status code", "code", code)
	}
	return unknownDefinition(code)
}

func (r *Registry) Has(code string) bool {
	_, ok := r.defs[strings.TrimSpace(code)]
	return ok
}

func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// PartialDeliveryCode is the courier's "delivered with return" code.
func (r *Registry) PartialDeliveryCode() string { return r.partialCode }

func codeLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
