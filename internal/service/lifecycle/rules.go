package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

// Rules holds the eligibility thresholds.
type Rules struct {
	ClosedStatuses  []string
	CloseReasons    []string
	Inactivity      time.Duration
	BounceWindow    time.Duration
	BounceThreshold int
	Grace           time.Duration
}

// DefaultRules returns the production thresholds.
func DefaultRules() Rules {
	return Rules{
		ClosedStatuses:  []string{"closed", "cerrado"},
		CloseReasons:    []string{"Contratad@", "Baja", "Impago"},
		Inactivity:      72 * time.Hour,
		BounceWindow:    7 * 24 * time.Hour,
		BounceThreshold: 5,
		Grace:           48 * time.Hour,
	}
}

func (r Rules) withDefaults() Rules {
	d := DefaultRules()
	if len(r.ClosedStatuses) == 0 {
		r.ClosedStatuses = d.ClosedStatuses
	}
	if len(r.CloseReasons) == 0 {
		r.CloseReasons = d.CloseReasons
	}
	if r.Inactivity <= 0 {
		r.Inactivity = d.Inactivity
	}
	if r.BounceWindow <= 0 {
		r.BounceWindow = d.BounceWindow
	}
	if r.BounceThreshold <= 0 {
		r.BounceThreshold = d.BounceThreshold
	}
	if r.Grace <= 0 {
		r.Grace = d.Grace
	}
	return r
}

// ClosedInCRM reports whether attrs match a closed status with a deny-listed
// reason, and returns the human-readable reason.
func (r Rules) ClosedInCRM(attrs domain.CRMAttributes) (string, bool) {
	if !containsFold(r.ClosedStatuses, attrs.Status) || !containsFold(r.CloseReasons, attrs.CloseReason) {
		return "", false
	}
	return fmt.Sprintf("CRM closed: %s", strings.TrimSpace(attrs.CloseReason)), true
}

// Inactive reports whether an active mailbox older than the inactivity
// window has sent nothing inside it. Replies do not count as sends.
func (r Rules) Inactive(c *domain.Client, createdAt, now time.Time) (string, bool) {
	if now.Sub(createdAt) <= r.Inactivity {
		return "", false
	}
	last := c.LastSendAt
	if last != nil && now.Sub(*last) <= r.Inactivity {
		return "", false
	}
	return fmt.Sprintf("inactive: no sends in %s", humanDuration(r.Inactivity)), true
}

// ExcessiveBounces reports whether bounced exceeds the threshold.
func (r Rules) ExcessiveBounces(bounced int) (string, bool) {
	if bounced <= r.BounceThreshold {
		return "", false
	}
	return fmt.Sprintf("excessive bounces: %d in %s", bounced, humanDuration(r.BounceWindow)), true
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

func humanDuration(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
