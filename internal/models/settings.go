package models

import (
	"encoding/json"
	"fmt"
)

// Default values documented for the abandoned-cart agent config.
const (
	DefaultHeaderImageType = "first_item"
)

// rawSettings mirrors the persisted tenant-integration config blob. The
// key names are a stable contract with the provisioning side and must not
// change. Everything is optional; ParseSettings fills defaults.
type rawSettings struct {
	IntegrationSettings struct {
		MessageTimeRestriction struct {
			IsActive bool `json:"is_active"`
			Periods  struct {
				Weekdays  TimeWindow `json:"weekdays"`
				Saturdays TimeWindow `json:"saturdays"`
			} `json:"periods"`
		} `json:"message_time_restriction"`
		OrderStatusRestriction struct {
			IsActive            bool     `json:"is_active"`
			AllowedPhoneNumbers []string `json:"allowed_phone_numbers"`
		} `json:"order_status_restriction"`
	} `json:"integration_settings"`

	AbandonedCartRestriction struct {
		IsActive     bool     `json:"is_active"`
		PhoneNumbers []string `json:"phone_numbers"`
	} `json:"abandoned_cart_restriction"`

	AbandonedCart struct {
		AbandonmentTimeMinutes    int     `json:"abandonment_time_minutes"`
		MinimumCartValue          float64 `json:"minimum_cart_value"`
		NotificationCooldownHours int     `json:"notification_cooldown_hours"`
		HeaderImageType           string  `json:"header_image_type"`
		RecentPurchaseCheck       bool    `json:"recent_purchase_check"`
	} `json:"abandoned_cart"`

	// Legacy flat cooldown key used by feature integrations.
	LegacyCooldownHours int `json:"abandoned_cart_notification_cooldown_hours"`

	TemplatesSynchronized  bool              `json:"templates_synchronized"`
	TemplateHasImageHeader bool              `json:"template_has_image_header"`
	AbandonedCartTemplate  string            `json:"abandoned_cart_template"`
	FlowChannelUUID        string            `json:"flow_channel_uuid"`
	CodeActionID           string            `json:"code_action_id"`
	OrderStatusTemplates   map[string]string `json:"order_status_templates"`
	IgnoreEmptyOrderForm   bool              `json:"ignore_empty_order_form"`
}

// ParseSettings decodes a persisted tenant-integration config blob into
// the typed Settings consumed by the pipeline. It is called once when the
// integration is loaded; call sites never touch raw keys.
func ParseSettings(kind IntegrationKind, raw []byte) (Settings, error) {
	var blob rawSettings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &blob); err != nil {
			return Settings{}, fmt.Errorf("failed to parse integration config: %w", err)
		}
	}

	settings := Settings{
		TimeRestriction: TimeRestriction{
			Active:    blob.IntegrationSettings.MessageTimeRestriction.IsActive,
			Weekdays:  blob.IntegrationSettings.MessageTimeRestriction.Periods.Weekdays,
			Saturdays: blob.IntegrationSettings.MessageTimeRestriction.Periods.Saturdays,
		},
		PhoneRestriction: PhoneRestriction{
			Active:       blob.AbandonedCartRestriction.IsActive,
			PhoneNumbers: blob.AbandonedCartRestriction.PhoneNumbers,
		},
		AbandonmentTimeMinutes: blob.AbandonedCart.AbandonmentTimeMinutes,
		MinimumCartValue:       blob.AbandonedCart.MinimumCartValue,
		HeaderImageType:        blob.AbandonedCart.HeaderImageType,
		RecentPurchaseCheck:    blob.AbandonedCart.RecentPurchaseCheck,
		TemplateHasImageHeader: blob.TemplateHasImageHeader,
		TemplatesSynchronized:  blob.TemplatesSynchronized,
		AbandonedCartTemplate:  blob.AbandonedCartTemplate,
		ChannelUUID:            blob.FlowChannelUUID,
		CodeActionID:           blob.CodeActionID,
		OrderStatusTemplates:   blob.OrderStatusTemplates,
		OrderStatusRestriction: PhoneRestriction{
			Active:       blob.IntegrationSettings.OrderStatusRestriction.IsActive,
			PhoneNumbers: blob.IntegrationSettings.OrderStatusRestriction.AllowedPhoneNumbers,
		},
		IgnoreEmptyOrderForm: blob.IgnoreEmptyOrderForm,
	}

	// Agent integrations use the nested cooldown key; feature integrations
	// kept the legacy flat one.
	switch kind {
	case IntegrationKindAgent:
		settings.NotificationCooldownHours = blob.AbandonedCart.NotificationCooldownHours
	default:
		settings.NotificationCooldownHours = blob.LegacyCooldownHours
	}

	if settings.HeaderImageType == "" {
		settings.HeaderImageType = DefaultHeaderImageType
	}

	return settings, nil
}
