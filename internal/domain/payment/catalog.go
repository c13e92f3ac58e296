package payment

import "sort"

// Plan is a purchasable credit pack. ID is the provider price id.
type Plan struct {
	ID      string `json:"plan_id"`
	Credits int64  `json:"credits"`
}

// Catalog maps plan ids to the credits they grant.
type Catalog struct {
	plans map[string]int64
}

// NewCatalog copies plans; non-positive entries are dropped.
func NewCatalog(plans map[string]int64) *Catalog {
	c := &Catalog{plans: make(map[string]int64, len(plans))}
	for id, credits := range plans {
		if id != "" && credits > 0 {
			c.plans[id] = credits
		}
	}
	return c
}

// Credits returns the credits one unit of planID grants.
func (c *Catalog) Credits(planID string) (int64, bool) {
	credits, ok := c.plans[planID]
	return credits, ok
}

// Plans lists plans, smallest first.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for id, credits := range c.plans {
		out = append(out, Plan{ID: id, Credits: credits})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credits == out[j].Credits {
			return out[i].ID < out[j].ID
		}
		return out[i].Credits < out[j].Credits
	})
	return out
}
