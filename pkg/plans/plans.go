// Package plans defines the product plans merchants subscribe to.
// Plans map to dunning quotas; the key is the payment provider's price id
// carried on the merchant's subscription.
package plans

// PlanID identifies a product plan. It equals the PP price id.
type PlanID string

const (
	PlanFree    PlanID = "price_free"
	PlanStarter PlanID = "price_starter"
	PlanPro     PlanID = "price_pro"
	PlanScale   PlanID = "price_scale"
)

// Limits defines quota limits for a plan.
type Limits struct {
	MonthlyDunnings int64 // dunning emails per calendar month, -1 = unlimited
	QueuedTasks     int64 // pending tasks at any time, -1 = unlimited
}

// Plan represents a product plan with quota limits and pricing.
type Plan struct {
	ID            PlanID
	Name          string
	Limits        Limits
	PricePerMonth int64 // cents
}

// All available plans
var (
	Free = Plan{
		ID:   PlanFree,
		Name: "Free",
		Limits: Limits{
			MonthlyDunnings: 20,
			QueuedTasks:     10,
		},
		PricePerMonth: 0,
	}

	Starter = Plan{
		ID:   PlanStarter,
		Name: "Starter",
		Limits: Limits{
			MonthlyDunnings: 200,
			QueuedTasks:     100,
		},
		PricePerMonth: 1900, // $19
	}

	Pro = Plan{
		ID:   PlanPro,
		Name: "Pro",
		Limits: Limits{
			MonthlyDunnings: 1000,
			QueuedTasks:     500,
		},
		PricePerMonth: 4900, // $49
	}

	Scale = Plan{
		ID:   PlanScale,
		Name: "Scale",
		Limits: Limits{
			MonthlyDunnings: -1, // unlimited
			QueuedTasks:     2000,
		},
		PricePerMonth: 19900, // $199
	}

	// AllPlans contains all available plans
	AllPlans = map[PlanID]Plan{
		PlanFree:    Free,
		PlanStarter: Starter,
		PlanPro:     Pro,
		PlanScale:   Scale,
	}
)

// Get returns the plan for an id. Unknown ids resolve to Free: a merchant
// whose subscription lapsed or never existed keeps the smallest quota
// rather than an error path.
func Get(id PlanID) Plan {
	if plan, ok := AllPlans[id]; ok {
		return plan
	}
	return Free
}

// IsUnlimited checks if a limit is unlimited (-1).
func IsUnlimited(limit int64) bool {
	return limit < 0
}
