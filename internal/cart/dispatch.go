package cart

import (
	"context"
	"fmt"

	"retail-notifications-api/internal/commerce"
	"retail-notifications-api/internal/messaging"
	"retail-notifications-api/internal/models"
)

// UTMSourceAbandonedCart tags converted checkouts so marketing
// attribution credits this channel.
const UTMSourceAbandonedCart = "weniabandonedcart"

// Header image directives.
const (
	HeaderImageFirstItem     = "first_item"
	HeaderImageMostExpensive = "most_expensive"
	HeaderImageNone          = "no_image"
)

// dispatchAgent hands the cart to the tenant's integrated agent, which
// owns template choice and rendering. The payload stays minimal.
func (s *Service) dispatchAgent(ctx context.Context, cart models.Cart, project models.Project, settings models.Settings, form commerce.OrderForm) error {
	payload := map[string]interface{}{
		"cart_uuid":    cart.UUID,
		"cart_id":      cart.OrderFormID,
		"phone":        cart.PhoneNumber,
		"name":         clientName(cart, form),
		"project_uuid": cart.ProjectUUID,
		"account":      project.Account,
	}

	if image := headerImageURL(settings, form.Items); image != "" {
		payload["image_header"] = image
	}

	return s.agents.Invoke(ctx, cart.IntegrationUUID, payload)
}

// dispatchLegacy renders the channel template message itself and sends it
// through the tenant's code action, or straight to the broadcast API when
// no action is registered.
func (s *Service) dispatchLegacy(ctx context.Context, cart models.Cart, domain string, settings models.Settings, form commerce.OrderForm) error {
	if settings.AbandonedCartTemplate == "" {
		return fmt.Errorf("no abandoned cart template configured")
	}

	cartLink := fmt.Sprintf("https://%s/checkout?orderFormId=%s", domain, cart.OrderFormID)

	message := messaging.TemplateMessage{
		URNs:        []string{"whatsapp:" + cart.PhoneNumber},
		ChannelUUID: settings.ChannelUUID,
		Template: messaging.TemplateRef{
			Name:      settings.AbandonedCartTemplate,
			Variables: []string{clientName(cart, form)},
			Locale:    cart.Config.Locale,
		},
		Buttons: []messaging.TemplateButton{
			{SubType: "url", URL: cartLink},
		},
	}

	if image := headerImageURL(settings, form.Items); image != "" {
		message.Attachments = []string{image}
	}

	if settings.CodeActionID != "" {
		extra := map[string]interface{}{
			"project_uuid": cart.ProjectUUID,
			"cart_uuid":    cart.UUID,
		}
		return s.actions.RunAction(ctx, settings.CodeActionID, message, extra)
	}

	return s.broadcast.SendWhatsAppBroadcast(ctx, message)
}

// headerImageURL picks the item image for the template header, or ""
// when the template has no image header.
func headerImageURL(settings models.Settings, items []models.CartItem) string {
	if !settings.TemplateHasImageHeader || settings.HeaderImageType == HeaderImageNone || len(items) == 0 {
		return ""
	}

	switch settings.HeaderImageType {
	case HeaderImageMostExpensive:
		best := items[0]
		for _, item := range items[1:] {
			if item.PriceCents > best.PriceCents {
				best = item
			}
		}
		return best.ImageURL
	default:
		return items[0].ImageURL
	}
}

func clientName(cart models.Cart, form commerce.OrderForm) string {
	if cart.Config.ClientName != "" {
		return cart.Config.ClientName
	}
	return form.ClientProfile.FirstName
}
