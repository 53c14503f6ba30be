package cart

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"retail-notifications-api/internal/cache"
	"retail-notifications-api/internal/commerce"
	"retail-notifications-api/internal/database"
	"retail-notifications-api/internal/events"
	"retail-notifications-api/internal/locks"
	"retail-notifications-api/internal/messaging"
	"retail-notifications-api/internal/models"
)

var testNow = time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC) // a Wednesday

const testPhone = "5584987654321"

// recordingScheduler captures Schedule calls instead of arming timers, so
// tests drive Evaluate directly.
type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduledCall
}

type scheduledCall struct {
	jobKey  string
	runAt   time.Time
	payload string
}

func (r *recordingScheduler) Schedule(jobKey string, runAt time.Time, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduledCall{jobKey, runAt, payload})
}

func (r *recordingScheduler) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingScheduler) last() scheduledCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

// fakeCommerce serves canned platform responses.
type fakeCommerce struct {
	orderForm    commerce.OrderForm
	orderFormErr error
	orders       []commerce.Order
	marketing    []string // utm sources recorded per SetMarketingData call
}

func (f *fakeCommerce) OrderFormDetails(ctx context.Context, domain, orderFormID string) (commerce.OrderForm, error) {
	if f.orderFormErr != nil {
		return commerce.OrderForm{}, f.orderFormErr
	}
	return f.orderForm, nil
}

func (f *fakeCommerce) OrderDetailsByEmail(ctx context.Context, domain, email string) ([]commerce.Order, error) {
	return f.orders, nil
}

func (f *fakeCommerce) OrderDetailsByID(ctx context.Context, domain, orderID string) (commerce.Order, error) {
	for _, o := range f.orders {
		if o.OrderID == orderID {
			return o, nil
		}
	}
	return commerce.Order{}, errors.New("order not found")
}

func (f *fakeCommerce) SetMarketingData(ctx context.Context, domain, orderFormID, utmSource string) error {
	f.marketing = append(f.marketing, utmSource)
	return nil
}

type fakeBroadcast struct {
	sent []messaging.TemplateMessage
	err  error
}

func (f *fakeBroadcast) SendWhatsAppBroadcast(ctx context.Context, message messaging.TemplateMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, message)
	return nil
}

type fakeActions struct {
	runs []string // action ids
	err  error
}

func (f *fakeActions) RunAction(ctx context.Context, actionID string, message messaging.TemplateMessage, extra map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.runs = append(f.runs, actionID)
	return nil
}

type fakeAgents struct {
	invocations []map[string]interface{}
	err         error
}

func (f *fakeAgents) Invoke(ctx context.Context, agentUUID string, payload map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.invocations = append(f.invocations, payload)
	return nil
}

type testEnv struct {
	db        *database.DB
	service   *Service
	locker    *locks.MemoryLocker
	scheduler *recordingScheduler
	commerce  *fakeCommerce
	broadcast *fakeBroadcast
	actions   *fakeActions
	agents    *fakeAgents
	project   models.Project
}

func setupTestEnv(t *testing.T) (*testEnv, func()) {
	dbPath := "./test_cart_" + time.Now().Format("20060102150405.000000000") + ".db"
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	project := models.Project{UUID: "proj-1", Name: "My Store", Account: "mystore"}
	if err := db.UpsertProject(project); err != nil {
		t.Fatalf("Failed to seed project: %v", err)
	}

	env := &testEnv{
		db:        db,
		locker:    locks.NewMemoryLocker(),
		scheduler: &recordingScheduler{},
		commerce:  &fakeCommerce{},
		broadcast: &fakeBroadcast{},
		actions:   &fakeActions{},
		agents:    &fakeAgents{},
		project:   project,
	}

	svc := NewService(Deps{
		DB:        db,
		Locker:    env.locker,
		Scheduler: env.scheduler,
		Commerce:  env.commerce,
		Cache:     cache.NewInMemoryCache(),
		Broadcast: env.broadcast,
		Actions:   env.actions,
		Agents:    env.agents,
		Events:    events.NewManager(false),
	})
	svc.SetClock(func() time.Time { return testNow })
	svc.SetRetryDelay(0)
	env.service = svc

	cleanup := func() {
		db.Close()
		os.Remove(dbPath)
	}

	return env, cleanup
}

func (env *testEnv) seedIntegration(t *testing.T, kind models.IntegrationKind, rawConfig string) {
	t.Helper()
	err := env.db.UpsertIntegration(models.Integration{
		UUID:        string(kind) + "-1",
		ProjectUUID: env.project.UUID,
		Kind:        kind,
	}, []byte(rawConfig))
	if err != nil {
		t.Fatalf("Failed to seed integration: %v", err)
	}
}

func (env *testEnv) seedOrderForm(items []models.CartItem) {
	env.commerce.orderForm = commerce.OrderForm{
		OrderFormID:   "of-1",
		Items:         items,
		ClientProfile: models.ClientProfile{Email: "ana@example.com", FirstName: "Ana"},
		Locale:        "pt-BR",
	}
}

func defaultItems() []models.CartItem {
	return []models.CartItem{
		{ID: "sku-1", Name: "Shoes", Quantity: 1, PriceCents: 15000, ImageURL: "https://img/1.jpg"},
		{ID: "sku-2", Name: "Socks", Quantity: 2, PriceCents: 2000},
	}
}

func TestProcessCartNotification_CreatesAndSchedules(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)

	cart, err := env.service.ProcessCartNotification(context.Background(), env.project, "of-1", testPhone, "Ana")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cart.Status != models.CartStatusCreated {
		t.Errorf("Expected created, got %s", cart.Status)
	}
	if cart.IntegrationKind != models.IntegrationKindAgent {
		t.Errorf("Expected agent strategy, got %s", cart.IntegrationKind)
	}

	if env.scheduler.len() != 1 {
		t.Fatalf("Expected 1 scheduled job, got %d", env.scheduler.len())
	}
	call := env.scheduler.last()
	if call.jobKey != "abandonment-task-"+cart.UUID {
		t.Errorf("Unexpected job key %q", call.jobKey)
	}
	if want := testNow.Add(25 * time.Minute); !call.runAt.Equal(want) {
		t.Errorf("Expected run at %v, got %v", want, call.runAt)
	}
	if call.payload != cart.UUID {
		t.Errorf("Expected payload %s, got %s", cart.UUID, call.payload)
	}
}

func TestProcessCartNotification_RenewalReusesCart(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)
	ctx := context.Background()

	first, err := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Further activity on the same session reuses the cart and re-arms
	// the same job key.
	for i := 0; i < 4; i++ {
		again, err := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
		if err != nil {
			t.Fatalf("Unexpected error on renewal: %v", err)
		}
		if again.UUID != first.UUID {
			t.Errorf("Expected same cart %s, got %s", first.UUID, again.UUID)
		}
	}

	if env.scheduler.len() != 5 {
		t.Fatalf("Expected 5 schedule calls, got %d", env.scheduler.len())
	}
	for _, call := range env.scheduler.calls {
		if call.jobKey != "abandonment-task-"+first.UUID {
			t.Errorf("Renewal must reuse the job key, got %q", call.jobKey)
		}
	}
}

func TestProcessCartNotification_StrategySelection(t *testing.T) {
	t.Run("no integration", func(t *testing.T) {
		env, cleanup := setupTestEnv(t)
		defer cleanup()

		_, err := env.service.ProcessCartNotification(context.Background(), env.project, "of-1", testPhone, "Ana")
		if !errors.Is(err, ErrNoIntegration) {
			t.Errorf("Expected ErrNoIntegration, got %v", err)
		}
	})

	t.Run("feature with unsynchronized templates", func(t *testing.T) {
		env, cleanup := setupTestEnv(t)
		defer cleanup()

		env.seedIntegration(t, models.IntegrationKindFeature, `{"templates_synchronized": false}`)

		_, err := env.service.ProcessCartNotification(context.Background(), env.project, "of-1", testPhone, "Ana")
		if !errors.Is(err, ErrTemplatesNotSynchronized) {
			t.Errorf("Expected ErrTemplatesNotSynchronized, got %v", err)
		}
	})

	t.Run("feature with synchronized templates", func(t *testing.T) {
		env, cleanup := setupTestEnv(t)
		defer cleanup()

		env.seedIntegration(t, models.IntegrationKindFeature, `{"templates_synchronized": true}`)

		cart, err := env.service.ProcessCartNotification(context.Background(), env.project, "of-1", testPhone, "Ana")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if cart.IntegrationKind != models.IntegrationKindFeature {
			t.Errorf("Expected feature strategy, got %s", cart.IntegrationKind)
		}
	})

	t.Run("agent wins over feature", func(t *testing.T) {
		env, cleanup := setupTestEnv(t)
		defer cleanup()

		env.seedIntegration(t, models.IntegrationKindFeature, `{"templates_synchronized": true}`)
		env.seedIntegration(t, models.IntegrationKindAgent, `{}`)

		cart, err := env.service.ProcessCartNotification(context.Background(), env.project, "of-1", testPhone, "Ana")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if cart.IntegrationKind != models.IntegrationKindAgent {
			t.Errorf("Expected agent strategy, got %s", cart.IntegrationKind)
		}
	})
}

func TestProcessCartNotification_PhoneRestriction(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent,
		`{"abandoned_cart_restriction": {"is_active": true, "phone_numbers": ["5511999990000"]}}`)

	_, err := env.service.ProcessCartNotification(context.Background(), env.project, "of-1", testPhone, "Ana")
	if !errors.Is(err, ErrPhoneBlocked) {
		t.Errorf("Expected ErrPhoneBlocked, got %v", err)
	}
}

func TestProcessCartNotification_LockContention(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)
	ctx := context.Background()

	key := locks.CreateKey(env.project.UUID, "of-1", testPhone)
	if ok, _ := env.locker.Acquire(ctx, key, locks.CreateLockTTL); !ok {
		t.Fatal("Failed to pre-acquire create lock")
	}

	_, err := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	if !errors.Is(err, ErrLockContention) {
		t.Errorf("Expected ErrLockContention, got %v", err)
	}

	// When the concurrent holder already created the cart, the loser
	// returns it instead of failing.
	env.locker.Release(ctx, key)
	created, err := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if ok, _ := env.locker.Acquire(ctx, key, locks.CreateLockTTL); !ok {
		t.Fatal("Failed to re-acquire create lock")
	}
	existing, err := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	if err != nil {
		t.Fatalf("Expected existing cart under contention, got error: %v", err)
	}
	if existing.UUID != created.UUID {
		t.Errorf("Expected existing cart %s, got %s", created.UUID, existing.UUID)
	}
}

func TestEvaluate_AgentSuccess(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{"template_has_image_header": true}`)
	env.seedOrderForm(defaultItems())
	ctx := context.Background()

	cart, err := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusDeliveredSuccess {
		t.Fatalf("Expected delivered_success, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.NotificationSentAt == nil {
		t.Error("Expected notification_sent_at to be set")
	}
	if len(got.Config.CartItems) != 2 || got.Config.Locale != "pt-BR" {
		t.Errorf("Expected order form snapshot on config, got %+v", got.Config)
	}

	if len(env.agents.invocations) != 1 {
		t.Fatalf("Expected 1 agent invocation, got %d", len(env.agents.invocations))
	}
	payload := env.agents.invocations[0]
	if payload["cart_uuid"] != cart.UUID || payload["account"] != "mystore" {
		t.Errorf("Unexpected agent payload: %+v", payload)
	}
	if payload["image_header"] != "https://img/1.jpg" {
		t.Errorf("Expected first item image header, got %v", payload["image_header"])
	}

	// Agent path never tags checkout attribution.
	if len(env.commerce.marketing) != 0 {
		t.Errorf("Agent path must not set marketing data, got %v", env.commerce.marketing)
	}
}

func TestEvaluate_LegacySuccessSetsAttribution(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindFeature, `{
		"templates_synchronized": true,
		"abandoned_cart_template": "abandoned_cart_v2",
		"flow_channel_uuid": "chan-1",
		"code_action_id": "action-9"
	}`)
	env.seedOrderForm(defaultItems())
	ctx := context.Background()

	cart, err := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusDeliveredSuccess {
		t.Fatalf("Expected delivered_success, got %s (%s)", got.Status, got.ErrorMessage)
	}

	if len(env.actions.runs) != 1 || env.actions.runs[0] != "action-9" {
		t.Errorf("Expected code action action-9 to run, got %v", env.actions.runs)
	}
	if len(env.commerce.marketing) != 1 || env.commerce.marketing[0] != UTMSourceAbandonedCart {
		t.Errorf("Expected %s attribution, got %v", UTMSourceAbandonedCart, env.commerce.marketing)
	}
}

func TestEvaluate_LegacyWithoutCodeActionBroadcasts(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindFeature, `{
		"templates_synchronized": true,
		"abandoned_cart_template": "abandoned_cart_v2",
		"flow_channel_uuid": "chan-1"
	}`)
	env.seedOrderForm(defaultItems())
	ctx := context.Background()

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	env.service.Evaluate(ctx, cart.UUID)

	if len(env.broadcast.sent) != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", len(env.broadcast.sent))
	}
	message := env.broadcast.sent[0]
	if message.URNs[0] != "whatsapp:"+testPhone {
		t.Errorf("Unexpected URN %q", message.URNs[0])
	}
	if message.Template.Name != "abandoned_cart_v2" {
		t.Errorf("Unexpected template %q", message.Template.Name)
	}
	if len(message.Buttons) != 1 || !strings.Contains(message.Buttons[0].URL, "orderFormId=of-1") {
		t.Errorf("Expected cart-link button, got %+v", message.Buttons)
	}
}

func TestEvaluate_EmptyOrderForm(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)
	env.seedOrderForm(nil)
	ctx := context.Background()

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusEmpty {
		t.Errorf("Expected empty, got %s", got.Status)
	}
	if len(env.agents.invocations) != 0 {
		t.Error("Empty cart must not dispatch")
	}
}

func TestEvaluate_BelowMinimumValue(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{"abandoned_cart": {"minimum_cart_value": 500.0}}`)
	env.seedOrderForm(defaultItems()) // totals 190.00
	ctx := context.Background()

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusSkippedMinValue {
		t.Errorf("Expected skipped_below_minimum_value, got %s", got.Status)
	}
}

func TestEvaluate_CooldownSuppression(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{"abandoned_cart": {"notification_cooldown_hours": 24}}`)
	env.seedOrderForm(defaultItems())
	ctx := context.Background()

	// A notification went out one hour ago.
	prior := models.Cart{
		UUID:            "prior-1",
		OrderFormID:     "of-old",
		PhoneNumber:     testPhone,
		ProjectUUID:     env.project.UUID,
		IntegrationKind: models.IntegrationKindAgent,
		IntegrationUUID: "agent-1",
		Status:          models.CartStatusCreated,
		CreatedOn:       testNow.Add(-2 * time.Hour),
		ModifiedOn:      testNow.Add(-2 * time.Hour),
	}
	if err := env.db.CreateCart(prior); err != nil {
		t.Fatalf("Failed to seed prior cart: %v", err)
	}
	if err := env.db.MarkCartDelivered("prior-1", testNow.Add(-time.Hour)); err != nil {
		t.Fatalf("Failed to mark prior delivered: %v", err)
	}

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusSkippedCooldown {
		t.Errorf("Expected skipped_abandoned_cart_cooldown, got %s", got.Status)
	}

	// The same prior notification 25 hours back no longer suppresses.
	env.db.Close()
	env2, cleanup2 := setupTestEnv(t)
	defer cleanup2()
	env2.seedIntegration(t, models.IntegrationKindAgent, `{"abandoned_cart": {"notification_cooldown_hours": 24}}`)
	env2.seedOrderForm(defaultItems())

	prior.CreatedOn = testNow.Add(-26 * time.Hour)
	prior.ModifiedOn = prior.CreatedOn
	if err := env2.db.CreateCart(prior); err != nil {
		t.Fatalf("Failed to seed prior cart: %v", err)
	}
	if err := env2.db.MarkCartDelivered("prior-1", testNow.Add(-25*time.Hour)); err != nil {
		t.Fatalf("Failed to mark prior delivered: %v", err)
	}

	cart2, _ := env2.service.ProcessCartNotification(ctx, env2.project, "of-1", testPhone, "Ana")
	env2.service.Evaluate(ctx, cart2.UUID)

	got2, _, _ := env2.db.GetCart(cart2.UUID)
	if got2.Status != models.CartStatusDeliveredSuccess {
		t.Errorf("Expected delivered_success after cooldown expiry, got %s", got2.Status)
	}
}

func TestEvaluate_IdenticalCartSuppression(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)
	env.seedOrderForm(defaultItems())
	ctx := context.Background()

	// Same item-id set delivered 2 hours ago, different quantities.
	prior := models.Cart{
		UUID:            "prior-1",
		OrderFormID:     "of-old",
		PhoneNumber:     testPhone,
		ProjectUUID:     env.project.UUID,
		IntegrationKind: models.IntegrationKindAgent,
		IntegrationUUID: "agent-1",
		Status:          models.CartStatusCreated,
		Config: models.CartConfig{CartItems: []models.CartItem{
			{ID: "sku-1", Quantity: 5, PriceCents: 15000},
			{ID: "sku-2", Quantity: 1, PriceCents: 2000},
		}},
		CreatedOn:  testNow.Add(-3 * time.Hour),
		ModifiedOn: testNow.Add(-3 * time.Hour),
	}
	if err := env.db.CreateCart(prior); err != nil {
		t.Fatalf("Failed to seed prior cart: %v", err)
	}
	if err := env.db.SaveCartConfig("prior-1", prior.Config); err != nil {
		t.Fatalf("Failed to save prior config: %v", err)
	}
	if err := env.db.MarkCartDelivered("prior-1", testNow.Add(-2*time.Hour)); err != nil {
		t.Fatalf("Failed to mark prior delivered: %v", err)
	}

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusSkippedIdentical {
		t.Errorf("Expected skipped_identical_cart, got %s", got.Status)
	}
}

func TestEvaluate_DifferentItemSetNotSuppressed(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)
	env.seedOrderForm(defaultItems())
	ctx := context.Background()

	prior := models.Cart{
		UUID:            "prior-1",
		OrderFormID:     "of-old",
		PhoneNumber:     testPhone,
		ProjectUUID:     env.project.UUID,
		IntegrationKind: models.IntegrationKindAgent,
		IntegrationUUID: "agent-1",
		Status:          models.CartStatusCreated,
		Config: models.CartConfig{CartItems: []models.CartItem{
			{ID: "sku-1", Quantity: 1, PriceCents: 15000},
			{ID: "sku-3", Quantity: 1, PriceCents: 9000}, // one item differs
		}},
		CreatedOn:  testNow.Add(-3 * time.Hour),
		ModifiedOn: testNow.Add(-3 * time.Hour),
	}
	if err := env.db.CreateCart(prior); err != nil {
		t.Fatalf("Failed to seed prior cart: %v", err)
	}
	if err := env.db.SaveCartConfig("prior-1", prior.Config); err != nil {
		t.Fatalf("Failed to save prior config: %v", err)
	}
	if err := env.db.MarkCartDelivered("prior-1", testNow.Add(-2*time.Hour)); err != nil {
		t.Fatalf("Failed to mark prior delivered: %v", err)
	}

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusDeliveredSuccess {
		t.Errorf("Expected delivered_success for different item set, got %s", got.Status)
	}
}

func TestEvaluate_DispatchErrorCaptured(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)
	env.seedOrderForm(defaultItems())
	env.agents.err = errors.New("agent runtime unavailable")
	ctx := context.Background()

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusDeliveredError {
		t.Fatalf("Expected delivered_error, got %s", got.Status)
	}
	if !strings.HasPrefix(got.ErrorMessage, "Broadcast failed:") {
		t.Errorf("Expected captured error message, got %q", got.ErrorMessage)
	}
	if got.NotificationSentAt != nil {
		t.Error("Failed dispatch must not set notification_sent_at")
	}
}

func TestEvaluate_StaleFireIsNoop(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)
	env.seedOrderForm(defaultItems())
	ctx := context.Background()

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	if err := env.db.UpdateCartStatus(cart.UUID, models.CartStatusPurchased, ""); err != nil {
		t.Fatalf("Failed to mark purchased: %v", err)
	}

	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusPurchased {
		t.Errorf("Stale fire must not change status, got %s", got.Status)
	}
	if len(env.agents.invocations) != 0 {
		t.Error("Stale fire must not dispatch")
	}

	// Unknown carts are equally silent.
	env.service.Evaluate(ctx, "no-such-cart")
}

func TestEvaluate_NotificationLockHeld(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)
	env.seedOrderForm(defaultItems())
	ctx := context.Background()

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")

	key := locks.NotificationKey(testPhone, cart.UUID)
	if ok, _ := env.locker.Acquire(ctx, key, locks.NotificationLockTTL); !ok {
		t.Fatal("Failed to pre-acquire notification lock")
	}

	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusCreated {
		t.Errorf("Lock contention must leave the cart created, got %s", got.Status)
	}
	if len(env.agents.invocations) != 0 {
		t.Error("Lock contention must not dispatch")
	}
}

func TestEvaluate_RecentPurchaseGuard(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{"abandoned_cart": {"recent_purchase_check": true}}`)
	env.seedOrderForm(defaultItems())
	env.commerce.orders = []commerce.Order{
		{
			OrderID:     "order-1",
			OrderFormID: "of-done",
			Items:       []models.CartItem{{ID: "sku-1", Quantity: 1, PriceCents: 15000}},
		},
	}
	ctx := context.Background()

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusPurchased {
		t.Fatalf("Expected purchased, got %s", got.Status)
	}
	if len(got.Config.RecentOrdersChecked) != 1 || got.Config.RecentOrdersChecked[0].OrderID != "order-1" {
		t.Errorf("Expected recent-order diagnostics, got %+v", got.Config.RecentOrdersChecked)
	}
}

func TestEvaluate_RecentPurchaseCheckDisabledByDefault(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	env.seedIntegration(t, models.IntegrationKindAgent, `{}`)
	env.seedOrderForm(defaultItems())
	// Order history would match, but the guard is off.
	env.commerce.orders = []commerce.Order{
		{OrderID: "order-1", Items: []models.CartItem{{ID: "sku-1"}}},
	}
	ctx := context.Background()

	cart, _ := env.service.ProcessCartNotification(ctx, env.project, "of-1", testPhone, "Ana")
	env.service.Evaluate(ctx, cart.UUID)

	got, _, _ := env.db.GetCart(cart.UUID)
	if got.Status != models.CartStatusDeliveredSuccess {
		t.Errorf("Expected delivered_success with guard disabled, got %s", got.Status)
	}
}
