package cart

import (
	"time"

	"retail-notifications-api/internal/models"
)

// identicalCartWindow is the fixed lookback for duplicate-content
// suppression, independent of the tenant's cooldown setting.
const identicalCartWindow = 24 * time.Hour

// cooldownActive reports whether the phone already received an
// abandoned-cart notification for this tenant within the cooldown. Zero
// hours disables the guard.
func (s *Service) cooldownActive(phone, projectUUID string, hours int, now time.Time) (bool, error) {
	if hours <= 0 {
		return false, nil
	}

	since := now.Add(-time.Duration(hours) * time.Hour)
	recent, err := s.db.RecentDeliveredCarts(phone, projectUUID, since)
	if err != nil {
		return false, err
	}

	return len(recent) > 0, nil
}

// identicalCartRecently reports whether a notification for a cart with the
// exact same line-item set already went out to this phone in the last 24
// hours. Quantity differences don't count; an empty current cart never
// matches.
func (s *Service) identicalCartRecently(phone, projectUUID string, items []models.CartItem, now time.Time) (bool, error) {
	current := itemIDSet(items)
	if len(current) == 0 {
		return false, nil
	}

	recent, err := s.db.RecentDeliveredCarts(phone, projectUUID, now.Add(-identicalCartWindow))
	if err != nil {
		return false, err
	}

	for _, prev := range recent {
		if sameIDSet(current, itemIDSet(prev.Config.CartItems)) {
			return true, nil
		}
	}

	return false, nil
}

func itemIDSet(items []models.CartItem) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ID != "" {
			set[item.ID] = struct{}{}
		}
	}
	return set
}

func sameIDSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
