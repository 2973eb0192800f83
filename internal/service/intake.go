package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/currency"
	"github.com/punchamoorthee/punchgate/internal/cxml"
	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/events"
	"github.com/punchamoorthee/punchgate/internal/lock"
	"github.com/punchamoorthee/punchgate/internal/retry"
	"github.com/punchamoorthee/punchgate/internal/store"
	"github.com/punchamoorthee/punchgate/internal/validate"
)

// State is a stage of order intake.
type State string

const (
	StateReceived     State = "received"
	StateValidated    State = "validated"
	StateLocked       State = "locked"
	StatePriced       State = "priced"
	StatePersisted    State = "persisted"
	StatePublished    State = "published"
	StateAcknowledged State = "acknowledged"
	StateFailed       State = "failed"
)

// CurrencyPolicy decides what happens when an order cannot be converted to
// the settlement currency.
type CurrencyPolicy string

const (
	// CurrencyAbort fails the intake.
	CurrencyAbort CurrencyPolicy = "abort"
	// CurrencyNative settles in the order's own currency.
	CurrencyNative CurrencyPolicy = "native"
)

func (p CurrencyPolicy) Valid() bool {
	return p == CurrencyAbort || p == CurrencyNative
}

type IntakeConfig struct {
	LockTTL        time.Duration
	Retry          retry.Policy
	CurrencyPolicy CurrencyPolicy
}

// IntakeResult describes one run. It is returned on failure too, so callers
// can see how far the order got.
type IntakeResult struct {
	Order    *domain.Order
	Trace    []State
	Attempts int
	Ack      *cxml.Document
}

// State is the last state reached.
func (r *IntakeResult) State() State {
	if len(r.Trace) == 0 {
		return ""
	}
	return r.Trace[len(r.Trace)-1]
}

// OrderIntake takes an inbound order message from receipt to acknowledgment.
// At most one intake per buyer cookie runs between locking and publishing;
// the lock is released on every exit path.
type OrderIntake struct {
	orders    OrderStore
	validator SchemaValidator
	locker    lock.Locker
	converter currency.Converter
	notify    *notifier
	cfg       IntakeConfig
	logger    *zap.Logger
	newID     func() uuid.UUID
}

func NewOrderIntake(
	orders OrderStore,
	audit AuditLog,
	validator SchemaValidator,
	locker lock.Locker,
	converter currency.Converter,
	publisher events.Publisher,
	cfg IntakeConfig,
	logger *zap.Logger,
) *OrderIntake {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if !cfg.CurrencyPolicy.Valid() {
		cfg.CurrencyPolicy = CurrencyAbort
	}
	return &OrderIntake{
		orders:    orders,
		validator: validator,
		locker:    locker,
		converter: converter,
		notify:    &notifier{audit: audit, publisher: publisher, logger: logger},
		cfg:       cfg,
		logger:    logger,
		newID:     uuid.New,
	}
}

// BuyerLockKey is the lock key serializing intake for one buyer session.
func BuyerLockKey(cookie string) string {
	return "buyer:" + cookie
}

type intakeRun struct {
	res    *IntakeResult
	logger *zap.Logger
}

func (r *intakeRun) advance(st State) {
	r.res.Trace = append(r.res.Trace, st)
	r.logger.Debug("order intake transition", zap.String("state", string(st)))
}

func (r *intakeRun) fail(err error) (*IntakeResult, error) {
	from := r.res.State()
	r.res.Trace = append(r.res.Trace, StateFailed)
	kind := domain.KindOf(err)
	orderIntakeTotal.WithLabelValues(kind.String()).Inc()

	fields := []zap.Field{zap.String("from_state", string(from)), zap.Stringer("kind", kind), zap.Error(err)}
	switch kind {
	case domain.KindValidation, domain.KindConflict:
		r.logger.Info("order intake rejected", fields...)
	case domain.KindInternal:
		r.logger.Error("order intake failed", fields...)
	default:
		r.logger.Warn("order intake failed", fields...)
	}
	return r.res, err
}

// Process runs the pipeline for one message body.
func (s *OrderIntake) Process(ctx context.Context, p domain.Principal, body io.Reader) (*IntakeResult, error) {
	run := &intakeRun{
		res:    &IntakeResult{Trace: []State{StateReceived}},
		logger: s.logger.With(zap.String("tenant_id", p.TenantID)),
	}

	// Received -> Validated. Nothing has side effects until the lock.
	env, err := s.parse(body)
	if err != nil {
		return run.fail(err)
	}
	run.logger = run.logger.With(zap.String("buyer_cookie", env.BuyerCookie))
	run.advance(StateValidated)

	// Validated -> Locked.
	lease, ok, err := s.locker.Acquire(ctx, BuyerLockKey(env.BuyerCookie), s.cfg.LockTTL)
	if err != nil {
		lockAcquisitions.WithLabelValues("error").Inc()
		return run.fail(domain.Wrap(domain.KindTransientStore, err, "lock service unavailable"))
	}
	if !ok {
		lockAcquisitions.WithLabelValues("contended").Inc()
		return run.fail(domain.ConflictErrorf("order is already being processed for buyer cookie %q", env.BuyerCookie))
	}
	lockAcquisitions.WithLabelValues("acquired").Inc()

	var once sync.Once
	release := func() {
		once.Do(func() { releaseLease(ctx, s.locker, lease, run.logger) })
	}
	defer release()
	run.advance(StateLocked)

	// Pricing and persisting must finish while the lease is still ours,
	// otherwise a second intake for the cookie could run alongside this one.
	work, cancel := context.WithDeadline(ctx, leaseDeadline(lease))
	defer cancel()

	// Locked -> Priced.
	order := env.NewOrder(s.newID(), p.TenantID)
	if err := s.price(work, run, p, order); err != nil {
		return run.fail(leaseLapsed(work, ctx, err))
	}
	run.res.Order = order
	run.advance(StatePriced)

	// Priced -> Persisted.
	if err := s.persist(work, run, order); err != nil {
		return run.fail(leaseLapsed(work, ctx, err))
	}
	run.advance(StatePersisted)

	// Persisted -> Published.
	s.notify.emit(ctx, p, notice{
		eventType:   domain.EventOrderPlaced,
		orderID:     order.ID.String(),
		description: fmt.Sprintf("Order placed with ID %s", order.ID),
		data: map[string]any{
			"buyer_cookie":        order.BuyerCookie,
			"currency":            order.Currency,
			"total":               order.TotalAmount.StringFixed(2),
			"settlement_currency": order.SettlementCurrency,
			"settlement_total":    order.SettlementTotal.StringFixed(2),
			"items":               len(order.Items),
		},
	})
	run.advance(StatePublished)

	// Published -> Acknowledged.
	release()
	run.res.Ack = cxml.Ack(order.ID.String())
	run.advance(StateAcknowledged)
	orderIntakeTotal.WithLabelValues("accepted").Inc()
	run.logger.Info("order accepted",
		zap.String("order_id", order.ID.String()),
		zap.String("total", order.TotalAmount.StringFixed(2)),
		zap.String("currency", order.Currency))
	return run.res, nil
}

// leaseDeadline leaves a fifth of the TTL for cleanup and release.
func leaseDeadline(l *lock.Lease) time.Time {
	return l.ExpiresAt().Add(-l.TTL / 5)
}

// leaseLapsed reports err as a transient failure when work ran out of lease
// time while the caller's context is still live.
func leaseLapsed(work, parent context.Context, err error) error {
	if errors.Is(work.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return domain.Wrap(domain.KindTransientStore, err, "order processing exceeded the buyer lock lease")
	}
	return err
}

func (s *OrderIntake) parse(body io.Reader) (*domain.OrderEnvelope, error) {
	msg, err := cxml.DecodeOrderMessage(body)
	if err != nil {
		return nil, err
	}
	doc := msg.Document()

	vr, err := s.validator.Validate(validate.OrderMessage, doc)
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	if !vr.Valid {
		return nil, domain.ValidationErrorf("invalid PunchOutOrderMessage").WithDetails(vr.Errors...)
	}

	env, err := doc.Envelope()
	if err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// price fills in the settlement currency and total.
func (s *OrderIntake) price(ctx context.Context, run *intakeRun, p domain.Principal, o *domain.Order) error {
	target := p.SettlementCurrency
	if target == "" || target == o.Currency {
		o.SettlementCurrency = o.Currency
		o.SettlementTotal = o.TotalAmount
		return nil
	}

	converted, err := s.converter.Convert(ctx, o.TotalAmount, o.Currency, target)
	if err == nil {
		o.SettlementCurrency = target
		o.SettlementTotal = converted
		return nil
	}
	if s.cfg.CurrencyPolicy == CurrencyNative {
		run.logger.Warn("currency conversion failed, settling in order currency",
			zap.String("from", o.Currency), zap.String("to", target), zap.Error(err))
		o.SettlementCurrency = o.Currency
		o.SettlementTotal = o.TotalAmount
		return nil
	}
	return domain.Wrap(domain.KindUpstream, err, "currency conversion failed")
}

// persist writes the header, then the items as one batch. Both writes are
// retried; a duplicate cookie is not. If the items never land the header is
// removed so the cookie can be submitted again.
func (s *OrderIntake) persist(ctx context.Context, run *intakeRun, o *domain.Order) error {
	headerPolicy := s.policyFor("order_header", run)
	_, err := retry.Do(ctx, headerPolicy, func(ctx context.Context) error {
		err := s.orders.CreateOrder(ctx, o)
		if errors.Is(err, store.ErrDuplicate) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Wrap(domain.KindConflict, err, "an order already exists for buyer cookie %q", o.BuyerCookie)
		}
		return domain.Wrap(domain.KindTransientStore, err, "failed to persist order")
	}

	itemPolicy := s.policyFor("order_items", run)
	attempts, err := retry.Do(ctx, itemPolicy, func(ctx context.Context) error {
		err := s.orders.InsertOrderItems(ctx, o.ID, o.Items)
		if errors.Is(err, store.ErrDuplicate) {
			return retry.Permanent(err)
		}
		return err
	})
	run.res.Attempts = attempts
	if err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if derr := s.orders.DeleteOrder(cctx, o.ID); derr != nil {
			run.logger.Error("failed to remove order header after item insert failure",
				zap.String("order_id", o.ID.String()), zap.Error(derr))
		}
		return domain.Wrap(domain.KindTransientStore, err, "failed to persist order items after %d attempts", attempts)
	}
	return nil
}

func (s *OrderIntake) policyFor(operation string, run *intakeRun) retry.Policy {
	p := s.cfg.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		retryAttempts.WithLabelValues(operation).Inc()
		run.logger.Warn("retrying store write",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return p
}
