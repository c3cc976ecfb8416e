// Package budget enforces per-tenant daily spending caps with atomic
// reserve/release operations over a linearizable counter store.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jkaninda/veritas/internal/domain"
)

// ErrBudgetExceeded is returned when a reservation would push a tenant past its limit.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Key identifies one tenant counter for one period.
type Key struct {
	TenantID string
	Period   string
}

// Store is a counter store with test-and-set semantics. Amounts are micro-dollars.
type Store interface {
	// Reserve adds amount iff current+amount <= limit. It returns false
	// without side effects otherwise.
	Reserve(ctx context.Context, key Key, amount, limit int64) (bool, error)
	// Release subtracts amount, clamping the counter at zero.
	Release(ctx context.Context, key Key, amount int64) error
	// Reserved returns the current counter value.
	Reserved(ctx context.Context, key Key) (int64, error)
}

// LimitFunc resolves a tenant's daily limit in USD.
type LimitFunc func(tenantID string) float64

// Controller is the tenant budget service. It is the only writer of budget counters.
type Controller struct {
	store  Store
	limits LimitFunc
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the clock used to derive the period.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller over the given store.
func New(store Store, limits LimitFunc, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Period returns the UTC calendar day of t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ToMicros converts USD to integer micro-dollars.
func ToMicros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// FromMicros converts micro-dollars back to USD.
func FromMicros(m int64) float64 {
	return float64(m) / 1e6
}

func (c *Controller) key(tenantID string) Key {
	return Key{TenantID: tenantID, Period: Period(c.now())}
}

// Reserve atomically reserves amountUSD against the tenant's daily limit.
// A store error fails closed: the reservation is denied and the error returned.
func (c *Controller) Reserve(ctx context.Context, tenantID string, amountUSD float64) (bool, error) {
	return c.reserveAt(ctx, c.key(tenantID), amountUSD)
}

func (c *Controller) reserveAt(ctx context.Context, key Key, amountUSD float64) (bool, error) {
	if amountUSD < 0 {
		return false, fmt.Errorf("negative reservation %.6f", amountUSD)
	}
	limit := ToMicros(c.limits(key.TenantID))
	ok, err := c.store.Reserve(ctx, key, ToMicros(amountUSD), limit)
	if err != nil {
		c.logger.ErrorContext(ctx, "budget store unavailable, denying reservation",
			slog.String("tenant_id", key.TenantID),
			slog.String("error", err.Error()),
		)
		return false, fmt.Errorf("reserving budget: %w", err)
	}
	if !ok {
		c.logger.WarnContext(ctx, "budget reservation denied",
			slog.String("tenant_id", key.TenantID),
			slog.Float64("amount_usd", amountUSD),
			slog.Float64("limit_usd", FromMicros(limit)),
		)
		return false, nil
	}
	c.logger.DebugContext(ctx, "budget reserved",
		slog.String("tenant_id", key.TenantID),
		slog.Float64("amount_usd", amountUSD),
	)
	return true, nil
}

// Release returns amountUSD to the tenant's current period.
func (c *Controller) Release(ctx context.Context, tenantID string, amountUSD float64) error {
	return c.releaseAt(ctx, c.key(tenantID), amountUSD)
}

func (c *Controller) releaseAt(ctx context.Context, key Key, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}
	if err := c.store.Release(ctx, key, ToMicros(amountUSD)); err != nil {
		c.logger.ErrorContext(ctx, "budget release failed",
			slog.String("tenant_id", key.TenantID),
			slog.Float64("amount_usd", amountUSD),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("releasing budget: %w", err)
	}
	return nil
}

// Status returns the tenant's current budget.
func (c *Controller) Status(ctx context.Context, tenantID string) (domain.Budget, error) {
	key := c.key(tenantID)
	reserved, err := c.store.Reserved(ctx, key)
	if err != nil {
		return domain.Budget{}, fmt.Errorf("reading budget: %w", err)
	}
	return domain.Budget{
		TenantID:       tenantID,
		Period:         key.Period,
		ReservedAmount: FromMicros(reserved),
		Limit:          c.limits(tenantID),
	}, nil
}

// Reservation is a held amount that must be settled or released exactly once.
// Release is idempotent, so it is safe to defer immediately after Acquire.
type Reservation struct {
	c      *Controller
	key    Key
	amount float64

	mu   sync.Mutex
	done bool
}

// Acquire reserves amountUSD and returns a guard. It returns ErrBudgetExceeded
// when the reservation is denied.
func (c *Controller) Acquire(ctx context.Context, tenantID string, amountUSD float64) (*Reservation, error) {
	key := c.key(tenantID)
	ok, err := c.reserveAt(ctx, key, amountUSD)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBudgetExceeded
	}
	return &Reservation{c: c, key: key, amount: amountUSD}, nil
}

// Amount returns the reserved estimate in USD.
func (r *Reservation) Amount() float64 { return r.amount }

func (r *Reservation) finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	return true
}

// Release returns the full reservation. Calls after Release or Settle are no-ops.
// The caller's cancellation does not prevent the release.
func (r *Reservation) Release(ctx context.Context) {
	if r == nil || !r.finish() {
		return
	}
	_ = r.c.releaseAt(context.WithoutCancel(ctx), r.key, r.amount)
}

// Settle converts the reservation into the actual cost: the over-estimate is
// released, a shortfall is reserved best-effort.
func (r *Reservation) Settle(ctx context.Context, actualUSD float64) {
	if r == nil || !r.finish() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	diff := ToMicros(r.amount) - ToMicros(actualUSD)
	switch {
	case diff > 0:
		_ = r.c.releaseAt(ctx, r.key, FromMicros(diff))
	case diff < 0:
		ok, err := r.c.reserveAt(ctx, r.key, FromMicros(-diff))
		if err != nil || !ok {
			r.c.logger.WarnContext(ctx, "actual cost exceeded estimate and limit",
				slog.String("tenant_id", r.key.TenantID),
				slog.Float64("estimate_usd", r.amount),
				slog.Float64("actual_usd", actualUSD),
			)
		}
	}
}
