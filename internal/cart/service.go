// Package cart implements the abandoned-cart pipeline: webhook intake
// with dedup, the deferred abandonment evaluation and the notification
// dispatch strategies.
package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"retail-notifications-api/internal/cache"
	"retail-notifications-api/internal/commerce"
	"retail-notifications-api/internal/database"
	"retail-notifications-api/internal/events"
	"retail-notifications-api/internal/locks"
	"retail-notifications-api/internal/messaging"
	"retail-notifications-api/internal/models"
	"retail-notifications-api/internal/scheduler"
	"retail-notifications-api/internal/timewindow"
	"retail-notifications-api/internal/validation"
)

// Intake failure modes the webhook layer maps to 4xx reasons.
var (
	ErrNoIntegration            = errors.New("no abandoned-cart integration configured")
	ErrTemplatesNotSynchronized = errors.New("templates not synchronized")
	ErrPhoneBlocked             = errors.New("phone not in allow-list")
	ErrLockContention           = errors.New("cart creation lock contention")
)

// Service runs the abandoned-cart pipeline.
type Service struct {
	db        *database.DB
	locker    locks.Locker
	scheduler scheduler.Scheduler
	commerce  commerce.Client
	cache     cache.Cache
	broadcast messaging.BroadcastSender
	actions   messaging.CodeActionRunner
	agents    messaging.AgentWebhookInvoker
	events    *events.Manager

	now              func() time.Time
	retryDelay       time.Duration
	defaultCountdown time.Duration
}

// Deps bundles the collaborators the service needs.
type Deps struct {
	DB        *database.DB
	Locker    locks.Locker
	Scheduler scheduler.Scheduler
	Commerce  commerce.Client
	Cache     cache.Cache
	Broadcast messaging.BroadcastSender
	Actions   messaging.CodeActionRunner
	Agents    messaging.AgentWebhookInvoker
	Events    *events.Manager
	// Delay before evaluating carts whose tenant has no override.
	// Zero means timewindow.DefaultCountdown.
	DefaultCountdown time.Duration
}

// NewService creates the pipeline service.
func NewService(deps Deps) *Service {
	return &Service{
		db:               deps.DB,
		locker:           deps.Locker,
		scheduler:        deps.Scheduler,
		commerce:         deps.Commerce,
		cache:            deps.Cache,
		broadcast:        deps.Broadcast,
		actions:          deps.Actions,
		agents:           deps.Agents,
		events:           deps.Events,
		now:              time.Now,
		retryDelay:       time.Second,
		defaultCountdown: deps.DefaultCountdown,
	}
}

// SetScheduler wires the deferred-execution backend after construction.
// The scheduler's handler usually closes over the service itself, so one
// of the two has to be attached late.
func (s *Service) SetScheduler(sched scheduler.Scheduler) {
	s.scheduler = sched
}

// SetClock injects a deterministic clock for tests.
func (s *Service) SetClock(clock func() time.Time) {
	s.now = clock
}

// SetRetryDelay overrides the create-lock retry pause for tests.
func (s *Service) SetRetryDelay(d time.Duration) {
	s.retryDelay = d
}

// ProcessCartNotification handles one cart-activity webhook: dedup against
// the existing open cart for the session, or create a new one and schedule
// its abandonment evaluation. The phone must already be normalized.
func (s *Service) ProcessCartNotification(ctx context.Context, project models.Project, orderFormID, phone, name string) (models.Cart, error) {
	key := locks.CreateKey(project.UUID, orderFormID, phone)

	acquired, err := s.locker.Acquire(ctx, key, locks.CreateLockTTL)
	if err != nil {
		return models.Cart{}, fmt.Errorf("failed to acquire create lock: %w", err)
	}
	if !acquired {
		// One retry; the holder is another webhook for the same session
		// and finishes fast.
		time.Sleep(s.retryDelay)
		acquired, err = s.locker.Acquire(ctx, key, locks.CreateLockTTL)
		if err != nil {
			return models.Cart{}, fmt.Errorf("failed to acquire create lock: %w", err)
		}
	}
	if !acquired {
		// The concurrent holder may have created the cart already.
		if existing, ok, err := s.db.GetCreatedCart(project.UUID, orderFormID, phone); err == nil && ok {
			return existing, nil
		}
		return models.Cart{}, ErrLockContention
	}
	defer s.locker.Release(ctx, key)

	existing, ok, err := s.db.GetCreatedCart(project.UUID, orderFormID, phone)
	if err != nil {
		return models.Cart{}, err
	}
	if ok {
		// Activity on a known open cart renews its abandonment countdown.
		settings := models.Settings{}
		if integration, found, err := s.db.GetIntegration(project.UUID, existing.IntegrationKind); err == nil && found {
			settings = integration.Settings
		}
		s.scheduleEvaluation(ctx, existing.UUID, settings)
		return existing, nil
	}

	integration, err := s.selectIntegration(project.UUID)
	if err != nil {
		return models.Cart{}, err
	}

	if !validation.AllowedPhone(phone, integration.Settings.PhoneRestriction) {
		return models.Cart{}, ErrPhoneBlocked
	}

	now := s.now()
	cart := models.Cart{
		UUID:            uuid.NewString(),
		OrderFormID:     orderFormID,
		PhoneNumber:     phone,
		ProjectUUID:     project.UUID,
		IntegrationKind: integration.Kind,
		IntegrationUUID: integration.UUID,
		Status:          models.CartStatusCreated,
		Config:          models.CartConfig{ClientName: name},
		CreatedOn:       now,
		ModifiedOn:      now,
	}

	if err := s.db.CreateCart(cart); err != nil {
		return models.Cart{}, err
	}

	s.events.PublishCartCreated(ctx, cart.UUID, project.UUID, orderFormID)
	s.scheduleEvaluation(ctx, cart.UUID, integration.Settings)

	return cart, nil
}

// selectIntegration picks the dispatch strategy for a new cart. An agent
// integration always wins; a feature integration only qualifies once its
// templates are synchronized.
func (s *Service) selectIntegration(projectUUID string) (models.Integration, error) {
	agent, ok, err := s.db.GetIntegration(projectUUID, models.IntegrationKindAgent)
	if err != nil {
		return models.Integration{}, err
	}
	if ok {
		return agent, nil
	}

	feature, ok, err := s.db.GetIntegration(projectUUID, models.IntegrationKindFeature)
	if err != nil {
		return models.Integration{}, err
	}
	if !ok {
		return models.Integration{}, ErrNoIntegration
	}
	if !feature.Settings.TemplatesSynchronized {
		return models.Integration{}, ErrTemplatesNotSynchronized
	}

	return feature, nil
}

// scheduleEvaluation arms (or re-arms) the cart's abandonment job. A
// malformed time restriction falls back to the plain countdown and gets
// reported, never dropped.
func (s *Service) scheduleEvaluation(ctx context.Context, cartUUID string, settings models.Settings) {
	now := s.now()

	delay, err := timewindow.CountdownSeconds(settings, now, s.defaultCountdown)
	if err != nil {
		s.events.PublishScheduleFallback(ctx, cartUUID, err)
	}

	s.scheduler.Schedule(scheduler.JobKey(cartUUID), now.Add(delay), cartUUID)
}
