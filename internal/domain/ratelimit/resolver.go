package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// PolicyTable is the static configuration of the resolver: the default
// policy of each actor class and partial overrides per endpoint.
type PolicyTable struct {
	Classes   map[ActorClass]QuotaPolicy `json:"classes" yaml:"classes"`
	Endpoints map[string]QuotaPolicy     `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
}

// DefaultPolicyTable returns the built-in quota table.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		Classes: map[ActorClass]QuotaPolicy{
			ClassAnonymous: {
				Limits:     map[Period]int64{PeriodMinute: 10, PeriodHour: 100, PeriodDay: 1000},
				BurstLimit: 5,
			},
			ClassAuthenticated: {
				Limits:     map[Period]int64{PeriodMinute: 100, PeriodHour: 1000, PeriodDay: 10000},
				BurstLimit: 20,
			},
			ClassAdmin: {
				Limits:     map[Period]int64{PeriodMinute: 500, PeriodHour: 5000, PeriodDay: 50000},
				BurstLimit: 100,
			},
		},
		Endpoints: map[string]QuotaPolicy{
			"/api/v2/auth/login": {
				Limits:     map[Period]int64{PeriodMinute: 5, PeriodHour: 20},
				BurstLimit: 3,
			},
			"/api/v2/financial/pix": {
				Limits:     map[Period]int64{PeriodMinute: 50, PeriodHour: 500},
				BurstLimit: 10,
			},
			"/api/v2/opendata/export": {
				Limits:     map[Period]int64{PeriodMinute: 10, PeriodHour: 100},
				BurstLimit: 5,
			},
		},
	}
}

// Validate checks every policy in the table. A table without an anonymous
// class is rejected because it is the fallback for unknown classes.
func (t PolicyTable) Validate() error {
	if _, ok := t.Classes[ClassAnonymous]; !ok {
		return fmt.Errorf("%w: class %q must be configured", ErrInvalidPolicy, ClassAnonymous)
	}
	for class, policy := range t.Classes {
		if !class.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownActorClass, class)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("class %s: %w", class, err)
		}
	}
	for endpoint, policy := range t.Endpoints {
		if endpoint == "" || endpoint[0] != '/' {
			return fmt.Errorf("%w: endpoint %q must start with '/'", ErrInvalidPolicy, endpoint)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w", endpoint, err)
		}
	}
	return nil
}

// EndpointNames returns the overridden endpoints in sorted order.
func (t PolicyTable) EndpointNames() []string {
	names := make([]string, 0, len(t.Endpoints))
	for name := range t.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clone returns a deep copy so callers cannot mutate a live table.
func (t PolicyTable) clone() PolicyTable {
	out := PolicyTable{
		Classes:   make(map[ActorClass]QuotaPolicy, len(t.Classes)),
		Endpoints: make(map[string]QuotaPolicy, len(t.Endpoints)),
	}
	for k, v := range t.Classes {
		out.Classes[k] = v.Clone()
	}
	for k, v := range t.Endpoints {
		out.Endpoints[k] = v.Clone()
	}
	return out
}

// Merge combines a class default with an endpoint override. For every period
// present on either side the effective limit is min(default, override), a
// missing side counting as Unlimited.
func Merge(class ActorClass, endpoint string, base QuotaPolicy, override *QuotaPolicy) EffectivePolicy {
	out := EffectivePolicy{Class: class, Endpoint: endpoint}

	for _, p := range TierPeriods {
		baseLimit := base.Limit(p)
		limit := baseLimit
		scoped := false
		if override != nil {
			if v, ok := override.Limits[p]; ok {
				scoped = true
				limit = min(baseLimit, v)
			}
		}
		if limit == Unlimited {
			continue
		}
		out.Tiers = append(out.Tiers, TierLimit{Period: p, MaxRequests: limit, EndpointScoped: scoped})
	}

	burst := base.Burst()
	if override != nil {
		burst = min(burst, override.Burst())
	}
	if burst != Unlimited {
		out.BurstLimit = burst
	}

	if override == nil {
		out.Endpoint = ""
	}
	return out
}

type cacheKey struct {
	class    ActorClass
	endpoint string
}

// tableSnapshot is one immutable generation of the policy table plus its
// resolution cache.
type tableSnapshot struct {
	table PolicyTable
	cache sync.Map // cacheKey -> EffectivePolicy
}

// Resolver produces the effective policy for an (ActorClass, Endpoint) pair.
// The table is injected at construction and may be swapped with Update.
type Resolver struct {
	current atomic.Pointer[tableSnapshot]
}

// NewResolver validates table and creates a resolver over a copy of it.
func NewResolver(table PolicyTable) (*Resolver, error) {
	r := &Resolver{}
	if err := r.Update(table); err != nil {
		return nil, err
	}
	return r, nil
}

// Update validates table and atomically replaces the current one.
// In-flight resolutions keep using the previous table.
func (r *Resolver) Update(table PolicyTable) error {
	if err := table.Validate(); err != nil {
		return err
	}
	r.current.Store(&tableSnapshot{table: table.clone()})
	return nil
}

// Table returns a copy of the current table.
func (r *Resolver) Table() PolicyTable {
	return r.current.Load().table.clone()
}

// Resolve returns the effective policy. Unknown classes resolve as
// ClassAnonymous. The returned value is never shared with other callers.
func (r *Resolver) Resolve(class ActorClass, endpoint string) EffectivePolicy {
	if !class.Valid() {
		class = ClassAnonymous
	}
	snap := r.current.Load()
	ck := cacheKey{class: class, endpoint: endpoint}
	if cached, ok := snap.cache.Load(ck); ok {
		return cloneEffective(cached.(EffectivePolicy))
	}

	base, ok := snap.table.Classes[class]
	if !ok {
		base = snap.table.Classes[ClassAnonymous]
	}
	var override *QuotaPolicy
	if endpoint != "" {
		if o, ok := snap.table.Endpoints[endpoint]; ok {
			override = &o
		}
	}

	resolved := Merge(class, endpoint, base, override)
	snap.cache.Store(ck, resolved)
	return cloneEffective(resolved)
}

func cloneEffective(e EffectivePolicy) EffectivePolicy {
	e.Tiers = append([]TierLimit(nil), e.Tiers...)
	return e
}
