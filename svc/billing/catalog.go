package billing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Feature is a premium capability granted by a plan.
type Feature string

// Money is an amount in the smallest currency unit.
type Money struct {
	Amount   int64  `json:"amount" yaml:"amount"`
	Currency string `json:"currency" yaml:"currency"`
}

// BillingInterval is the renewal period of a plan.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalAnnual  BillingInterval = "annual"
)

// Plan is one purchasable catalog entry.
type Plan struct {
	Ref         string          `json:"ref" yaml:"ref"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description"`
	PriceRef    string          `json:"-" yaml:"price_ref"`
	Price       Money           `json:"price" yaml:"price"`
	Interval    BillingInterval `json:"interval" yaml:"interval"`
	Features    []Feature       `json:"features" yaml:"features"`
	Public      bool            `json:"-" yaml:"public"`
}

// HasFeature reports whether the plan grants f.
func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

func (p Plan) clone() Plan {
	p.Features = slices.Clone(p.Features)
	return p
}

// PlansSource loads plans keyed by plan ref.
type PlansSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

type inMemSource struct {
	plans map[string]Plan
}

// NewInMemSource returns a source serving copies of the given plans.
func NewInMemSource(plans ...Plan) PlansSource {
	m := make(map[string]Plan, len(plans))
	for _, p := range plans {
		m[p.Ref] = p.clone()
	}
	return &inMemSource{plans: m}
}

func (s *inMemSource) Load(context.Context) (map[string]Plan, error) {
	out := make(map[string]Plan, len(s.plans))
	for ref, p := range s.plans {
		out[ref] = p.clone()
	}
	return out, nil
}

// Catalog is the read-only plan lookup.
type Catalog struct {
	mu      sync.RWMutex
	byRef   map[string]Plan
	byPrice map[string]string
}

// NewCatalog loads and validates plans from src.
func NewCatalog(ctx context.Context, src PlansSource) (*Catalog, error) {
	if src == nil {
		panic("billing: plans source is required")
	}
	c := &Catalog{}
	if err := c.Reload(ctx, src); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload replaces the catalog content. On error the previous content is kept.
func (c *Catalog) Reload(ctx context.Context, src PlansSource) error {
	plans, err := src.Load(ctx)
	if err != nil {
		return errors.Join(ErrInvalidCatalog, err)
	}
	byPrice, err := validatePlans(plans)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.byRef, c.byPrice = plans, byPrice
	c.mu.Unlock()
	return nil
}

func validatePlans(plans map[string]Plan) (map[string]string, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: no plans", ErrInvalidCatalog)
	}
	byPrice := make(map[string]string, len(plans))
	for ref, p := range plans {
		if ref == "" || p.Ref != ref {
			return nil, fmt.Errorf("%w: plan key %q does not match ref %q", ErrInvalidCatalog, ref, p.Ref)
		}
		if p.PriceRef == "" {
			return nil, fmt.Errorf("%w: plan %q has no price ref", ErrInvalidCatalog, ref)
		}
		if other, dup := byPrice[p.PriceRef]; dup {
			return nil, fmt.Errorf("%w: plans %q and %q share price ref %q", ErrInvalidCatalog, other, ref, p.PriceRef)
		}
		byPrice[p.PriceRef] = ref
	}
	return byPrice, nil
}

// Plan returns the plan with the given ref.
func (c *Catalog) Plan(ref string) (Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byRef[ref]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, ref)
	}
	return p.clone(), nil
}

// PlanByPriceRef resolves the plan sold under an external price.
func (c *Catalog) PlanByPriceRef(priceRef string) (Plan, error) {
	c.mu.RLock()
	ref, ok := c.byPrice[priceRef]
	c.mu.RUnlock()
	if !ok {
		return Plan{}, fmt.Errorf("%w: price %q", ErrPlanNotFound, priceRef)
	}
	return c.Plan(ref)
}

// Plans returns public plans ordered by price, then ref.
func (c *Catalog) Plans() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Plan, 0, len(c.byRef))
	for _, ref := range slices.Sorted(maps.Keys(c.byRef)) {
		if p := c.byRef[ref]; p.Public {
			out = append(out, p.clone())
		}
	}
	slices.SortStableFunc(out, func(a, b Plan) int {
		switch {
		case a.Price.Amount < b.Price.Amount:
			return -1
		case a.Price.Amount > b.Price.Amount:
			return 1
		}
		return 0
	})
	return out
}
