// Package orderstatus implements the order-status notification flow:
// order lifecycle webhooks mapped to channel templates, plus the
// conversion hook that closes open carts on payment approval.
package orderstatus

import (
	"context"
	"errors"
	"fmt"
	"log"

	"retail-notifications-api/internal/cache"
	"retail-notifications-api/internal/commerce"
	"retail-notifications-api/internal/database"
	"retail-notifications-api/internal/messaging"
	"retail-notifications-api/internal/models"
	"retail-notifications-api/internal/validation"
)

// Flow failure modes the webhook layer maps to 4xx reasons.
var (
	ErrProjectNotFound = errors.New("project not found for account")
	ErrNoIntegration   = errors.New("no integration configured")
	ErrPhoneBlocked    = errors.New("phone not in allow-list")
)

// States that mean the customer paid; any open cart for the order form
// converted and must stop being an abandonment candidate.
var paymentApprovedStates = map[string]bool{
	"payment-approved": true,
	"approved":         true,
}

// Service runs the order-status flow.
type Service struct {
	db        *database.DB
	commerce  commerce.Client
	cache     cache.Cache
	broadcast messaging.BroadcastSender
}

// NewService creates the order-status service.
func NewService(db *database.DB, client commerce.Client, store cache.Cache, broadcast messaging.BroadcastSender) *Service {
	return &Service{
		db:        db,
		commerce:  client,
		cache:     store,
		broadcast: broadcast,
	}
}

// ProcessOrderStatus handles one order lifecycle webhook. The returned
// message describes the outcome for the caller; states without a
// configured template are acknowledged, not errors.
func (s *Service) ProcessOrderStatus(ctx context.Context, req models.OrderStatusRequest) (string, error) {
	project, ok, err := s.db.GetProjectByAccount(req.Account)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrProjectNotFound
	}

	integration, ok, err := s.db.GetIntegration(project.UUID, models.IntegrationKindAgent)
	if err != nil {
		return "", err
	}
	if !ok {
		integration, ok, err = s.db.GetIntegration(project.UUID, models.IntegrationKindFeature)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrNoIntegration
		}
	}
	settings := integration.Settings

	domain := req.Domain
	if domain == "" {
		domain, err = commerce.AccountDomain(ctx, s.cache, project)
		if err != nil {
			return "", err
		}
	}

	order, err := s.commerce.OrderDetailsByID(ctx, domain, req.OrderID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch order %s: %w", req.OrderID, err)
	}

	if paymentApprovedStates[req.CurrentState] && order.OrderFormID != "" {
		// Conversion hook: a pending abandonment evaluation for this
		// session finds a terminal status and stands down.
		if err := s.db.MarkPurchasedByOrderForm(project.UUID, order.OrderFormID); err != nil {
			log.Printf("Failed to mark carts purchased for order form %s: %v", order.OrderFormID, err)
		}
	}

	template, ok := settings.OrderStatusTemplates[req.CurrentState]
	if !ok || template == "" {
		return fmt.Sprintf("no template configured for state %s", req.CurrentState), nil
	}

	phone, err := validation.NormalizePhone(order.ClientProfile.Phone)
	if err != nil {
		// Upstream data problem; acknowledging stops the platform from
		// retrying a delivery that can never succeed.
		log.Printf("Order %s has no usable phone, skipping notification: %v", req.OrderID, err)
		return fmt.Sprintf("order %s has no usable phone, notification skipped", req.OrderID), nil
	}

	if !validation.AllowedPhone(phone, settings.OrderStatusRestriction) {
		return "", ErrPhoneBlocked
	}

	message := messaging.TemplateMessage{
		URNs:        []string{"whatsapp:" + phone},
		ChannelUUID: settings.ChannelUUID,
		Template: messaging.TemplateRef{
			Name:      template,
			Variables: []string{order.ClientProfile.FirstName, req.OrderID},
		},
	}

	if err := s.broadcast.SendWhatsAppBroadcast(ctx, message); err != nil {
		return "", fmt.Errorf("order status broadcast failed: %w", err)
	}

	return fmt.Sprintf("notification sent for state %s", req.CurrentState), nil
}
