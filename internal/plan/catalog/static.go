package catalog

import (
	"fmt"
	"sort"

	plandomain "github.com/smallbiznis/quotaengine/internal/plan/domain"
)

// Static is an immutable in-memory catalog.
type Static struct {
	plans       map[string]plandomain.Plan
	numericKeys map[string]struct{}
}

func NewStatic(plans ...plandomain.Plan) (*Static, error) {
	c := &Static{
		plans:       make(map[string]plandomain.Plan, len(plans)),
		numericKeys: map[string]struct{}{},
	}
	for _, p := range plans {
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s", plandomain.ErrDuplicatePlan, p.ID)
		}
		c.plans[p.ID] = p
		for _, key := range p.NumericKeys() {
			c.numericKeys[key] = struct{}{}
		}
	}
	return c, nil
}

// MustStatic panics on duplicate plan ids. Intended for tests and fixtures.
func MustStatic(plans ...plandomain.Plan) *Static {
	c, err := NewStatic(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Static) Plan(id string) (plandomain.Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

func (c *Static) Plans() []plandomain.Plan {
	out := make([]plandomain.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Static) IsNumericKey(key string) bool {
	_, ok := c.numericKeys[key]
	return ok
}

var _ plandomain.Catalog = (*Static)(nil)
