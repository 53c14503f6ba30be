package cart

import (
	"context"
	"fmt"
	"log"

	"retail-notifications-api/internal/commerce"
	"retail-notifications-api/internal/locks"
	"retail-notifications-api/internal/models"
	"retail-notifications-api/internal/validation"
)

// recentOrdersToCheck bounds the order-history scan of the
// recent-purchase guard.
const recentOrdersToCheck = 5

// Evaluate is the scheduler handler: decide whether the cart was really
// abandoned and dispatch the notification. Errors are logged, never
// propagated; the scheduler fires at least once and the pipeline is
// idempotent against re-fires.
func (s *Service) Evaluate(ctx context.Context, cartUUID string) {
	if err := s.evaluate(ctx, cartUUID); err != nil {
		log.Printf("Abandonment evaluation failed for cart %s: %v", cartUUID, err)
	}
}

func (s *Service) evaluate(ctx context.Context, cartUUID string) error {
	cart, ok, err := s.db.GetCart(cartUUID)
	if err != nil {
		return err
	}
	if !ok || cart.Status != models.CartStatusCreated {
		// Stale fire: the cart converted, was suppressed, or a duplicate
		// job already ran.
		return nil
	}

	project, ok, err := s.db.GetProjectByUUID(cart.ProjectUUID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("project %s not found", cart.ProjectUUID)
	}

	integration, ok, err := s.db.GetIntegration(cart.ProjectUUID, cart.IntegrationKind)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("integration %s/%s no longer configured", cart.ProjectUUID, cart.IntegrationKind)
	}
	settings := integration.Settings

	domain, err := commerce.AccountDomain(ctx, s.cache, project)
	if err != nil {
		return err
	}

	form, err := s.commerce.OrderFormDetails(ctx, domain, cart.OrderFormID)
	if err != nil {
		return fmt.Errorf("failed to fetch order form: %w", err)
	}

	if len(form.Items) == 0 && !settings.IgnoreEmptyOrderForm {
		return s.finish(ctx, cart.UUID, models.CartStatusEmpty, "")
	}
	if form.ClientProfile.Email == "" {
		// No contact identifier means the session never produced a
		// reachable customer.
		return s.finish(ctx, cart.UUID, models.CartStatusEmpty, "")
	}

	cart.Config.CartItems = form.Items
	cart.Config.ClientProfile = &form.ClientProfile
	cart.Config.Locale = form.Locale
	if err := s.db.SaveCartConfig(cart.UUID, cart.Config); err != nil {
		return err
	}

	now := s.now()

	if settings.RecentPurchaseCheck {
		purchased, checked, err := s.recentPurchase(ctx, domain, form.ClientProfile.Email, form.Items)
		if err != nil {
			log.Printf("Recent-purchase check failed for cart %s: %v", cart.UUID, err)
		} else {
			cart.Config.RecentOrdersChecked = checked
			if err := s.db.SaveCartConfig(cart.UUID, cart.Config); err != nil {
				return err
			}
			if purchased {
				return s.finish(ctx, cart.UUID, models.CartStatusPurchased, "")
			}
		}
	}

	if cart.IntegrationKind == models.IntegrationKindAgent &&
		!validation.MeetsMinimumValue(models.TotalCents(form.Items), settings.MinimumCartValue) {
		return s.finish(ctx, cart.UUID, models.CartStatusSkippedMinValue, "")
	}

	if active, err := s.cooldownActive(cart.PhoneNumber, cart.ProjectUUID, settings.NotificationCooldownHours, now); err != nil {
		return err
	} else if active {
		return s.finish(ctx, cart.UUID, models.CartStatusSkippedCooldown, "")
	}

	if identical, err := s.identicalCartRecently(cart.PhoneNumber, cart.ProjectUUID, form.Items, now); err != nil {
		return err
	} else if identical {
		return s.finish(ctx, cart.UUID, models.CartStatusSkippedIdentical, "")
	}

	lockKey := locks.NotificationKey(cart.PhoneNumber, cart.UUID)
	acquired, err := s.locker.Acquire(ctx, lockKey, locks.NotificationLockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire notification lock: %w", err)
	}
	if !acquired {
		// Another worker owns the dispatch for this cart. Stand down; the
		// cart stays created and the owner finishes the transition.
		return nil
	}

	if err := s.db.UpdateCartStatus(cart.UUID, models.CartStatusAbandoned, ""); err != nil {
		return err
	}
	s.events.PublishCartStatusChanged(ctx, cart.UUID, string(models.CartStatusAbandoned))

	var dispatchErr error
	strategy := string(cart.IntegrationKind)
	if cart.IntegrationKind == models.IntegrationKindAgent {
		dispatchErr = s.dispatchAgent(ctx, cart, project, settings, form)
	} else {
		dispatchErr = s.dispatchLegacy(ctx, cart, domain, settings, form)
	}

	if dispatchErr != nil {
		s.events.PublishDispatchFailed(ctx, cart.UUID, strategy, dispatchErr)
		return s.finish(ctx, cart.UUID, models.CartStatusDeliveredError,
			fmt.Sprintf("Broadcast failed: %v", dispatchErr))
	}

	if err := s.db.MarkCartDelivered(cart.UUID, s.now()); err != nil {
		return err
	}
	s.events.PublishCartStatusChanged(ctx, cart.UUID, string(models.CartStatusDeliveredSuccess))

	if cart.IntegrationKind == models.IntegrationKindFeature {
		// Tag the checkout so a later conversion credits this channel.
		if err := s.commerce.SetMarketingData(ctx, domain, cart.OrderFormID, UTMSourceAbandonedCart); err != nil {
			log.Printf("Failed to set marketing data for cart %s: %v", cart.UUID, err)
		}
	}

	return nil
}

// finish transitions the cart to its terminal status and publishes the
// change.
func (s *Service) finish(ctx context.Context, cartUUID string, status models.CartStatus, errorMessage string) error {
	if err := s.db.UpdateCartStatus(cartUUID, status, errorMessage); err != nil {
		return err
	}
	s.events.PublishCartStatusChanged(ctx, cartUUID, string(status))
	return nil
}

// recentPurchase re-queries the customer's order history and reports
// whether any of the latest orders already contains an item from this
// cart. The orders inspected are returned as diagnostics.
func (s *Service) recentPurchase(ctx context.Context, domain, email string, items []models.CartItem) (bool, []models.CheckedOrder, error) {
	orders, err := s.commerce.OrderDetailsByEmail(ctx, domain, email)
	if err != nil {
		return false, nil, err
	}

	if len(orders) > recentOrdersToCheck {
		orders = orders[:recentOrdersToCheck]
	}

	cartIDs := itemIDSet(items)
	purchased := false
	checked := make([]models.CheckedOrder, 0, len(orders))

	for _, summary := range orders {
		order := summary
		if len(order.Items) == 0 {
			order, err = s.commerce.OrderDetailsByID(ctx, domain, summary.OrderID)
			if err != nil {
				return false, nil, err
			}
		}

		ids := make([]string, 0, len(order.Items))
		for _, item := range order.Items {
			ids = append(ids, item.ID)
			if _, ok := cartIDs[item.ID]; ok {
				purchased = true
			}
		}

		checked = append(checked, models.CheckedOrder{
			OrderID:     order.OrderID,
			OrderFormID: order.OrderFormID,
			ItemIDs:     ids,
		})
	}

	return purchased, checked, nil
}
