package ratelimit

import (
	"errors"
	"sync"
	"testing"
)

func mustResolver(t *testing.T, table PolicyTable) *Resolver {
	t.Helper()
	r, err := NewResolver(table)
	if err != nil {
		t.Fatalf("NewResolver() error: %v", err)
	}
	return r
}

func TestResolver_ClassDefaults(t *testing.T) {
	t.Parallel()

	r := mustResolver(t, DefaultPolicyTable())

	tests := []struct {
		class             ActorClass
		minute, hour, day int64
		burst             int64
	}{
		{ClassAnonymous, 10, 100, 1000, 5},
		{ClassAuthenticated, 100, 1000, 10000, 20},
		{ClassAdmin, 500, 5000, 50000, 100},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			t.Parallel()
			p := r.Resolve(tt.class, "")
			want := map[Period]int64{PeriodMinute: tt.minute, PeriodHour: tt.hour, PeriodDay: tt.day}
			if len(p.Tiers) != 3 {
				t.Fatalf("len(Tiers) = %d, want 3", len(p.Tiers))
			}
			for i, tier := range p.Tiers {
				if tier.Period != TierPeriods[i] {
					t.Errorf("Tiers[%d].Period = %s, want %s", i, tier.Period, TierPeriods[i])
				}
				if tier.MaxRequests != want[tier.Period] {
					t.Errorf("%s limit = %d, want %d", tier.Period, tier.MaxRequests, want[tier.Period])
				}
				if tier.EndpointScoped {
					t.Errorf("%s is endpoint scoped without an override", tier.Period)
				}
			}
			if p.BurstLimit != tt.burst {
				t.Errorf("BurstLimit = %d, want %d", p.BurstLimit, tt.burst)
			}
		})
	}
}

// Scenario B: the login override tightens the anonymous minute limit.
func TestResolver_EndpointOverride(t *testing.T) {
	t.Parallel()

	r := mustResolver(t, DefaultPolicyTable())
	p := r.Resolve(ClassAnonymous, "/api/v2/auth/login")

	minute, ok := p.Tier(PeriodMinute)
	if !ok || minute.MaxRequests != 5 {
		t.Errorf("minute = %+v, want 5", minute)
	}
	if !minute.EndpointScoped {
		t.Error("minute tier should be endpoint scoped")
	}
	hour, _ := p.Tier(PeriodHour)
	if hour.MaxRequests != 20 || !hour.EndpointScoped {
		t.Errorf("hour = %+v, want 20 scoped", hour)
	}
	day, _ := p.Tier(PeriodDay)
	if day.MaxRequests != 1000 || day.EndpointScoped {
		t.Errorf("day = %+v, want 1000 unscoped", day)
	}
	if p.BurstLimit != 3 {
		t.Errorf("BurstLimit = %d, want 3", p.BurstLimit)
	}
}

func TestResolver_OverrideNeverLoosens(t *testing.T) {
	t.Parallel()

	// The pix override (50/min) is looser than anonymous (10/min).
	r := mustResolver(t, DefaultPolicyTable())
	p := r.Resolve(ClassAnonymous, "/api/v2/financial/pix")
	minute, _ := p.Tier(PeriodMinute)
	if minute.MaxRequests != 10 {
		t.Errorf("minute = %d, want 10", minute.MaxRequests)
	}
}

func TestMerge_Property(t *testing.T) {
	t.Parallel()

	limits := []int64{1, 5, 10, 100}
	for _, base := range limits {
		for _, over := range limits {
			for mask := 0; mask < 8; mask++ {
				basePolicy := QuotaPolicy{Limits: map[Period]int64{}}
				overPolicy := QuotaPolicy{Limits: map[Period]int64{}}
				for i, p := range TierPeriods {
					basePolicy.Limits[p] = base * int64(i+1)
					if mask&(1<<i) != 0 {
						overPolicy.Limits[p] = over * int64(i+1)
					}
				}

				got := Merge(ClassAuthenticated, "/x", basePolicy, &overPolicy)
				for _, p := range TierPeriods {
					want := min(basePolicy.Limit(p), overPolicy.Limit(p))
					tier, ok := got.Tier(p)
					if !ok {
						t.Fatalf("period %s missing", p)
					}
					if tier.MaxRequests != want {
						t.Errorf("base=%d over=%d mask=%b %s: got %d, want %d",
							base, over, mask, p, tier.MaxRequests, want)
					}
					_, overridden := overPolicy.Limits[p]
					if tier.EndpointScoped != overridden {
						t.Errorf("%s EndpointScoped = %v, want %v", p, tier.EndpointScoped, overridden)
					}
				}
			}
		}
	}
}

func TestMerge_MissingBaseSide(t *testing.T) {
	t.Parallel()

	base := QuotaPolicy{Limits: map[Period]int64{PeriodMinute: 10}}
	over := QuotaPolicy{Limits: map[Period]int64{PeriodHour: 50}, BurstLimit: 4}

	got := Merge(ClassAnonymous, "/x", base, &over)
	if len(got.Tiers) != 2 {
		t.Fatalf("Tiers = %+v, want minute and hour", got.Tiers)
	}
	if hour, _ := got.Tier(PeriodHour); hour.MaxRequests != 50 {
		t.Errorf("hour = %d, want 50", hour.MaxRequests)
	}
	if got.BurstLimit != 4 {
		t.Errorf("BurstLimit = %d, want 4", got.BurstLimit)
	}
}

func TestResolver_UnknownClassFallsBackToAnonymous(t *testing.T) {
	t.Parallel()

	r := mustResolver(t, DefaultPolicyTable())
	p := r.Resolve(ActorClass("superuser"), "")
	if p.Class != ClassAnonymous {
		t.Errorf("Class = %s, want anonymous", p.Class)
	}
	if minute, _ := p.Tier(PeriodMinute); minute.MaxRequests != 10 {
		t.Errorf("minute = %d, want 10", minute.MaxRequests)
	}
}

func TestResolver_ResultsAreIndependent(t *testing.T) {
	t.Parallel()

	r := mustResolver(t, DefaultPolicyTable())
	a := r.Resolve(ClassAdmin, "")
	a.Tiers[0].MaxRequests = 1

	b := r.Resolve(ClassAdmin, "")
	if b.Tiers[0].MaxRequests != 500 {
		t.Errorf("cached policy mutated through a returned value: %d", b.Tiers[0].MaxRequests)
	}
}

func TestResolver_TableIsCopied(t *testing.T) {
	t.Parallel()

	table := DefaultPolicyTable()
	r := mustResolver(t, table)
	table.Classes[ClassAnonymous].Limits[PeriodMinute] = 1

	if minute, _ := r.Resolve(ClassAnonymous, "").Tier(PeriodMinute); minute.MaxRequests != 10 {
		t.Errorf("minute = %d, want 10", minute.MaxRequests)
	}
}

func TestResolver_Update(t *testing.T) {
	t.Parallel()

	r := mustResolver(t, DefaultPolicyTable())
	_ = r.Resolve(ClassAnonymous, "")

	next := DefaultPolicyTable()
	next.Classes[ClassAnonymous] = QuotaPolicy{Limits: map[Period]int64{PeriodMinute: 2}}
	if err := r.Update(next); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	p := r.Resolve(ClassAnonymous, "")
	if len(p.Tiers) != 1 || p.Tiers[0].MaxRequests != 2 {
		t.Errorf("Tiers = %+v, want only minute=2", p.Tiers)
	}
	if p.BurstLimit != 0 {
		t.Errorf("BurstLimit = %d, want 0", p.BurstLimit)
	}
}

func TestResolver_UpdateRejectsInvalid(t *testing.T) {
	t.Parallel()

	r := mustResolver(t, DefaultPolicyTable())
	bad := DefaultPolicyTable()
	bad.Endpoints["/api/v2/auth/login"] = QuotaPolicy{Limits: map[Period]int64{PeriodMinute: -1}}

	if err := r.Update(bad); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("Update() error = %v, want ErrInvalidPolicy", err)
	}
	if minute, _ := r.Resolve(ClassAnonymous, "/api/v2/auth/login").Tier(PeriodMinute); minute.MaxRequests != 5 {
		t.Errorf("previous table not kept: minute = %d", minute.MaxRequests)
	}
}

func TestPolicyTable_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*PolicyTable)
		wantErr error
	}{
		{"defaults", func(*PolicyTable) {}, nil},
		{"zero limit", func(pt *PolicyTable) {
			pt.Classes[ClassAdmin].Limits[PeriodHour] = 0
		}, ErrInvalidPolicy},
		{"negative burst", func(pt *PolicyTable) {
			pt.Endpoints["/api/v2/financial/pix"] = QuotaPolicy{BurstLimit: -1}
		}, ErrInvalidPolicy},
		{"unknown class", func(pt *PolicyTable) {
			pt.Classes["root"] = QuotaPolicy{}
		}, ErrUnknownActorClass},
		{"missing anonymous", func(pt *PolicyTable) {
			delete(pt.Classes, ClassAnonymous)
		}, ErrInvalidPolicy},
		{"relative endpoint", func(pt *PolicyTable) {
			pt.Endpoints["api/v2/x"] = QuotaPolicy{}
		}, ErrInvalidPolicy},
		{"burst as tier", func(pt *PolicyTable) {
			pt.Classes[ClassAnonymous].Limits[PeriodBurst] = 5
		}, ErrInvalidPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			table := DefaultPolicyTable()
			tt.mutate(&table)
			err := table.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolver_ConcurrentResolveAndUpdate(t *testing.T) {
	t.Parallel()

	r := mustResolver(t, DefaultPolicyTable())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if i == 0 && j%20 == 0 {
					_ = r.Update(DefaultPolicyTable())
				}
				p := r.Resolve(ActorClasses[j%len(ActorClasses)], "/api/v2/auth/login")
				if len(p.Tiers) == 0 {
					t.Error("empty policy")
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
