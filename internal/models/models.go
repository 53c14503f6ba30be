package models

import "time"

// CartStatus is the lifecycle state of an abandonment candidate.
type CartStatus string

const (
	CartStatusCreated          CartStatus = "created"
	CartStatusAbandoned        CartStatus = "abandoned"
	CartStatusEmpty            CartStatus = "empty"
	CartStatusPurchased        CartStatus = "purchased"
	CartStatusDeliveredSuccess CartStatus = "delivered_success"
	CartStatusDeliveredError   CartStatus = "delivered_error"
	CartStatusSkippedCooldown  CartStatus = "skipped_abandoned_cart_cooldown"
	CartStatusSkippedIdentical CartStatus = "skipped_identical_cart"
	CartStatusSkippedMinValue  CartStatus = "skipped_below_minimum_value"
)

// Terminal reports whether a cart in this status can never transition
// again. "abandoned" is an in-flight dispatch state that resolves to
// delivered_success or delivered_error within the same evaluation.
func (s CartStatus) Terminal() bool {
	return s != CartStatusCreated && s != CartStatusAbandoned
}

// IntegrationKind selects the dispatch strategy for a cart.
type IntegrationKind string

const (
	IntegrationKindFeature IntegrationKind = "feature"
	IntegrationKindAgent   IntegrationKind = "agent"
)

// Cart represents one shopping-session abandonment candidate. It is a
// permanent audit record; this subsystem never deletes carts.
type Cart struct {
	UUID               string          `json:"cart_uuid"` // uuid
	OrderFormID        string          `json:"cart_id"`   // external cart/session id
	PhoneNumber        string          `json:"phone_number"` // normalized digits, no '+'
	ProjectUUID        string          `json:"project_uuid"`
	IntegrationKind    IntegrationKind `json:"integration_kind"`
	IntegrationUUID    string          `json:"integration_uuid"`
	Status             CartStatus      `json:"status"`
	Config             CartConfig      `json:"config"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	NotificationSentAt *time.Time      `json:"notification_sent_at,omitempty"`
	CreatedOn          time.Time       `json:"created_on"`
	ModifiedOn         time.Time       `json:"modified_on"`
}

// CartConfig is the open diagnostics bag the pipeline accumulates while
// evaluating a cart. Intake never reads it.
type CartConfig struct {
	ClientName          string         `json:"client_name,omitempty"`
	ClientProfile       *ClientProfile `json:"client_profile,omitempty"`
	Locale              string         `json:"locale,omitempty"`
	CartItems           []CartItem     `json:"cart_items,omitempty"`
	RecentOrdersChecked []CheckedOrder `json:"recent_orders_checked,omitempty"`
}

// CartItem is a single line item of an order form.
type CartItem struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price"` // minor-unit currency
	ImageURL   string `json:"image_url,omitempty"`
}

// TotalCents sums price*quantity over all items.
func TotalCents(items []CartItem) int64 {
	var total int64
	for _, item := range items {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		total += item.PriceCents * int64(qty)
	}
	return total
}

// ClientProfile is the customer data attached to an order form.
type ClientProfile struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// CheckedOrder is the recent-order diagnostics snapshot stored on the cart
// after the recent-purchase guard runs.
type CheckedOrder struct {
	OrderID     string   `json:"order_id"`
	OrderFormID string   `json:"order_form_id,omitempty"`
	ItemIDs     []string `json:"item_ids"`
}

// Project is the tenant that owns carts and integrations.
type Project struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Account string `json:"account"` // store account identifier, unique
}

// Integration is the per-tenant configuration record (feature or agent
// kind) governing restrictions and template selection.
type Integration struct {
	UUID        string          `json:"uuid"`
	ProjectUUID string          `json:"project_uuid"`
	Kind        IntegrationKind `json:"kind"`
	Settings    Settings        `json:"settings"`
}

// Settings is the typed view of a tenant-integration config blob, parsed
// once at load time with documented defaults.
type Settings struct {
	// Business-hour window for outbound messages.
	TimeRestriction TimeRestriction `json:"message_time_restriction"`
	// Phone allow-list for abandoned-cart sends.
	PhoneRestriction PhoneRestriction `json:"abandoned_cart_restriction"`
	// Minutes before a created cart is evaluated for abandonment.
	// Zero means the global default applies.
	AbandonmentTimeMinutes int `json:"abandonment_time_minutes,omitempty"`
	// Minimum cart value (major currency units) to trigger a
	// notification. Agent dispatch path only; zero disables the guard.
	MinimumCartValue float64 `json:"minimum_cart_value,omitempty"`
	// Hours between two abandonment notifications to the same phone.
	// Zero disables the cooldown.
	NotificationCooldownHours int `json:"notification_cooldown_hours,omitempty"`
	// first_item | most_expensive | no_image
	HeaderImageType string `json:"header_image_type,omitempty"`
	// Whether the template linked to this integration carries an image
	// header at all.
	TemplateHasImageHeader bool `json:"template_has_image_header,omitempty"`
	// Legacy (feature) dispatch wiring.
	TemplatesSynchronized bool   `json:"templates_synchronized,omitempty"`
	AbandonedCartTemplate string `json:"abandoned_cart_template,omitempty"`
	ChannelUUID           string `json:"flow_channel_uuid,omitempty"`
	CodeActionID          string `json:"code_action_id,omitempty"`
	// Order-status flow: order state -> template name.
	OrderStatusTemplates map[string]string `json:"order_status_templates,omitempty"`
	// Order-status phone allow-list (separate from the cart one).
	OrderStatusRestriction PhoneRestriction `json:"order_status_restriction"`
	// Re-notify guard: check recent purchases before sending. Present in
	// the legacy pipeline, disabled by default.
	RecentPurchaseCheck bool `json:"recent_purchase_check,omitempty"`
	// Tenant whitelisted to proceed when the order form comes back empty.
	IgnoreEmptyOrderForm bool `json:"ignore_empty_order_form,omitempty"`
}

// TimeRestriction is the business-hours schedule. Sunday has no window of
// its own; weekday and Saturday windows are configured independently.
type TimeRestriction struct {
	Active    bool       `json:"is_active"`
	Weekdays  TimeWindow `json:"weekdays"`
	Saturdays TimeWindow `json:"saturdays"`
}

// TimeWindow is a daily "HH:MM".."HH:MM" interval.
type TimeWindow struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PhoneRestriction is an allow-list guard. When active with an empty list
// every phone is denied (fail-closed).
type PhoneRestriction struct {
	Active       bool     `json:"is_active"`
	PhoneNumbers []string `json:"phone_numbers"`
}

// CartNotificationRequest is the cart webhook intake payload.
type CartNotificationRequest struct {
	CartID  string `json:"cart_id"`
	Phone   string `json:"phone"`
	Name    string `json:"name"`
	Account string `json:"account"`
}

// CartNotificationResponse is the cart webhook response body.
type CartNotificationResponse struct {
	Message  string `json:"message"`
	CartUUID string `json:"cart_uuid"`
	CartID   string `json:"cart_id"`
	Status   string `json:"status"`
}

// OrderStatusRequest is the order-status webhook payload.
type OrderStatusRequest struct {
	OrderID      string `json:"orderId"`
	CurrentState string `json:"currentState"`
	LastState    string `json:"lastState,omitempty"`
	Account      string `json:"vtexAccount"`
	Domain       string `json:"domain,omitempty"`
}

// ErrorResponse is the structured 4xx body returned to webhook callers.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Webhook failure reasons (stable contract with callers).
const (
	ReasonProjectNotFound          = "project_not_found"
	ReasonNoIntegrationConfigured  = "no_integration_configured"
	ReasonPhoneRestrictionBlocked  = "phone_restriction_blocked"
	ReasonTemplatesNotSynchronized = "templates_not_synchronized"
	ReasonLockContention           = "lock_contention"
)
