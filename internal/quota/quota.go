// Copyright 2025 James Ross
//
// Package quota tracks one daily-usage counter per tenant, reset lazily
// when the stored day falls behind the wall-clock day, and a parallel
// cost-cap counter charged by each endpoint's declared cost weight.
// Grounded on the teacher's multi-tenant-isolation TenantQuotas shape,
// narrowed to the two counters this spec actually needs.
package quota

import (
	"sync"
	"time"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
)

// Tier is a service tier's daily ceilings.
type Tier struct {
	Name            string
	DailyRequests   int64
	DailyCostCapUSD float64
}

// Info is returned from CheckAndConsume/GetInfo.
type Info struct {
	Allowed         bool
	RequestsUsed    int64
	RequestsLimit   int64
	CostUsedUSD     float64
	CostCapUSD      float64
	ResetAt         time.Time
}

type tenantUsage struct {
	mu          sync.Mutex
	day         string // YYYY-MM-DD in UTC
	requests    int64
	costUSD     float64
	lastReset   time.Time
}

// Manager is the per-tenant daily quota tracker.
type Manager struct {
	mu      sync.Mutex
	usage   map[string]*tenantUsage
	tierOf  func(tenantID string) Tier
}

// New constructs a Manager. tierOf resolves a tenant's current tier at
// check time, so a tier change takes effect on the very next admission.
func New(tierOf func(tenantID string) Tier) *Manager {
	return &Manager{
		usage:  make(map[string]*tenantUsage),
		tierOf: tierOf,
	}
}

func (m *Manager) usageFor(tenantID string) *tenantUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[tenantID]
	if !ok {
		u = &tenantUsage{}
		m.usage[tenantID] = u
	}
	return u
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

// resetIfDayAdvanced zeroes the counters when the stored day differs from
// today; caller must hold u.mu.
func resetIfDayAdvanced(u *tenantUsage) {
	d := today()
	if u.day != d {
		u.day = d
		u.requests = 0
		u.costUSD = 0
		u.lastReset = time.Now().UTC()
	}
}

// CheckAndConsume charges one request and costWeight against tenantID's
// daily ceilings, admitting only if both remain under cap.
func (m *Manager) CheckAndConsume(tenantID string, costWeight float64) (Info, error) {
	tier := m.tierOf(tenantID)
	u := m.usageFor(tenantID)

	u.mu.Lock()
	defer u.mu.Unlock()
	resetIfDayAdvanced(u)

	nextReset := time.Date(time.Now().UTC().Year(), time.Now().UTC().Month(), time.Now().UTC().Day()+1, 0, 0, 0, 0, time.UTC)

	if u.requests >= tier.DailyRequests {
		obs.QuotaExceeded.WithLabelValues(tenantID, tier.Name).Inc()
		return Info{
			Allowed: false, RequestsUsed: u.requests, RequestsLimit: tier.DailyRequests,
			CostUsedUSD: u.costUSD, CostCapUSD: tier.DailyCostCapUSD, ResetAt: nextReset,
		}, apierr.New(apierr.CodeQuotaExceeded, "daily request quota exceeded").
			WithDetails(map[string]any{"tier": tier.Name, "reset_at": nextReset.Unix()})
	}
	if u.costUSD+costWeight > tier.DailyCostCapUSD {
		obs.QuotaExceeded.WithLabelValues(tenantID, tier.Name).Inc()
		return Info{
			Allowed: false, RequestsUsed: u.requests, RequestsLimit: tier.DailyRequests,
			CostUsedUSD: u.costUSD, CostCapUSD: tier.DailyCostCapUSD, ResetAt: nextReset,
		}, apierr.New(apierr.CodeCostCapExceeded, "daily cost cap exceeded").
			WithDetails(map[string]any{"tier": tier.Name, "reset_at": nextReset.Unix()})
	}

	u.requests++
	u.costUSD += costWeight
	return Info{
		Allowed: true, RequestsUsed: u.requests, RequestsLimit: tier.DailyRequests,
		CostUsedUSD: u.costUSD, CostCapUSD: tier.DailyCostCapUSD, ResetAt: nextReset,
	}, nil
}

// Reset zeroes tenantID's daily counters immediately, for operator-initiated
// recovery ahead of the next lazy day rollover.
func (m *Manager) Reset(tenantID string) {
	u := m.usageFor(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.day = today()
	u.requests = 0
	u.costUSD = 0
	u.lastReset = time.Now().UTC()
}

// GetInfo reports current usage without consuming any quota.
func (m *Manager) GetInfo(tenantID string) Info {
	tier := m.tierOf(tenantID)
	u := m.usageFor(tenantID)

	u.mu.Lock()
	defer u.mu.Unlock()
	resetIfDayAdvanced(u)

	nextReset := time.Date(time.Now().UTC().Year(), time.Now().UTC().Month(), time.Now().UTC().Day()+1, 0, 0, 0, 0, time.UTC)
	return Info{
		Allowed: u.requests < tier.DailyRequests, RequestsUsed: u.requests, RequestsLimit: tier.DailyRequests,
		CostUsedUSD: u.costUSD, CostCapUSD: tier.DailyCostCapUSD, ResetAt: nextReset,
	}
}
