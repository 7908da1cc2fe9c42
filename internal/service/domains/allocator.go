package domains

import (
	"sort"
	"strings"

	"github.com/ignite/offermail/internal/domain"
)

// Choose returns the best domain for a new mailbox: active with a free
// slot, highest priority first, then lowest utilization, then name.
func Choose(list []domain.ManagedDomain) (*domain.ManagedDomain, error) {
	ranked := Rank(list)
	if len(ranked) == 0 {
		return nil, ErrCapacityExhausted
	}
	return &ranked[0], nil
}

// Rank returns the candidate domains in preference order.
func Rank(list []domain.ManagedDomain) []domain.ManagedDomain {
	var out []domain.ManagedDomain
	for _, d := range list {
		if d.HasCapacity() {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if ua, ub := a.Utilization(), b.Utilization(); ua != ub {
			return ua < ub
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return out
}
