package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
)

// CatalogProvider supplies the active rule definitions.
type CatalogProvider interface {
	Current(ctx context.Context) ([]model.RuleDefinition, error)
	Invalidate()
}

// CatalogSource is the backing store a CachedCatalog reads from.
type CatalogSource interface {
	Load(ctx context.Context) ([]model.RuleDefinition, error)
}

func def(id string, cat model.RuleCategory, tier model.RuleTier, prio int, score float64, desc string, params model.RuleParams) model.RuleDefinition {
	if params == nil {
		params = model.RuleParams{}
	}
	params["score"] = score
	return model.RuleDefinition{
		ID:          id,
		Category:    cat,
		Tier:        tier,
		Weight:      1,
		Priority:    prio,
		Active:      true,
		Description: desc,
		Params:      params,
	}
}

// DefaultCatalog is the built-in rule set. Block-tier rules run first.
func DefaultCatalog() []model.RuleDefinition {
	const (
		pay  = model.CategoryPayment
		acct = model.CategoryAccount
		ship = model.CategoryShipping

		block  = model.TierBlock
		review = model.TierManualReview
		warn   = model.TierWarning
	)
	return []model.RuleDefinition{
		def(PaymentTestCard, pay, block, 10, 100, "Known processor test card", nil),
		def(PaymentFraudBIN, pay, block, 10, 95, "Card BIN on the fraud list", model.RuleParams{"bins": []string{}}),
		def(PaymentCardBruteForce, pay, block, 10, 95, "Card attempt brute force", model.RuleParams{"window": "10m", "max": 5}),
		def(PaymentCVVFailures, pay, block, 10, 90, "Repeated CVV failures", model.RuleParams{"min_failures": 3}),
		def(AccountDisposableEmail, acct, block, 10, 90, "Disposable email domain", nil),
		def(ShippingFraudAddress, ship, block, 10, 95, "Shipping address on the fraud list", model.RuleParams{"addresses": []string{}}),

		def(PaymentHighAmountVelocity, pay, review, 20, 70, "Repeated high-amount checkouts", model.RuleParams{"threshold": 300000, "window": "1h", "max": 1}),
		def(PaymentHighAmount, pay, review, 20, 60, "High transaction amount", model.RuleParams{"threshold": 300000}),
		def(PaymentIPVelocity, pay, review, 20, 65, "Checkouts per IP", model.RuleParams{"window": "1h", "max": 10}),
		def(PaymentUserVelocity, pay, review, 20, 55, "Checkouts per user", model.RuleParams{"window": "1h", "max": 5}),
		def(AccountMultiAccountIP, acct, review, 20, 70, "Accounts per IP", model.RuleParams{"window": "24h", "max_accounts": 3}),
		def(AccountDeviceSharing, acct, review, 20, 65, "Accounts per device", model.RuleParams{"window": "24h", "max_accounts": 3}),
		def(AccountNewAccountHighAmount, acct, review, 20, 65, "New account spending heavily", model.RuleParams{"max_age": "168h", "threshold": 200000}),
		def(AccountFailedLogins, acct, review, 20, 60, "Failed logins before checkout", model.RuleParams{"min_failures": 5}),
		def(AccountRecentContactChange, acct, review, 20, 55, "Contact details changed recently", model.RuleParams{"window": "24h"}),
		def(ShippingAddressReuse, ship, review, 20, 65, "Accounts per shipping address", model.RuleParams{"window": "168h", "max_accounts": 3}),
		def(ShippingHighRiskCountry, ship, review, 20, 60, "High-risk destination", nil),
		def(ShippingAddressVelocity, ship, review, 20, 55, "Checkouts per shipping address", model.RuleParams{"window": "1h", "max": 5}),

		def(PaymentBINVelocity, pay, warn, 30, 40, "Checkouts per card BIN", model.RuleParams{"window": "10m", "max": 20}),
		def(PaymentPrepaidCard, pay, warn, 30, 40, "Prepaid card", nil),
		def(PaymentBINCountryMismatch, pay, warn, 30, 35, "Issuer and billing country differ", nil),
		def(PaymentMicroAmount, pay, warn, 30, 35, "Card-testing micro amount", model.RuleParams{"threshold": 1000}),
		def(AccountRecentPasswordChange, acct, warn, 30, 45, "Password changed recently", model.RuleParams{"window": "24h"}),
		def(AccountGuestHighAmount, acct, warn, 30, 40, "Guest checkout with high amount", model.RuleParams{"threshold": 100000}),
		def(AccountNewAccount, acct, warn, 30, 35, "Account younger than a day", model.RuleParams{"max_age": "24h"}),
		def(AccountEmailDigits, acct, warn, 30, 30, "Generated-looking email", nil),
		def(ShippingFreightForwarder, ship, warn, 30, 45, "Freight forwarder address", nil),
		def(ShippingExpeditedHighAmount, ship, warn, 30, 40, "Expedited shipping on a large order", model.RuleParams{"threshold": 150000}),
		def(ShippingBillingCountryMismatch, ship, warn, 30, 35, "Shipping and billing country differ", nil),
		def(ShippingRecipientMismatch, ship, warn, 30, 35, "Recipient differs from cardholder", model.RuleParams{"threshold": 200000}),
		def(ShippingPOBox, ship, warn, 30, 30, "PO box destination", nil),
		def(ShippingIncompleteAddress, ship, warn, 30, 30, "Incomplete shipping address", nil),
	}
}

// StaticCatalog serves a fixed rule set.
type StaticCatalog struct {
	defs []model.RuleDefinition
}

func NewStaticCatalog(defs []model.RuleDefinition) *StaticCatalog {
	return &StaticCatalog{defs: defs}
}

func (s *StaticCatalog) Current(context.Context) ([]model.RuleDefinition, error) {
	return s.defs, nil
}

func (s *StaticCatalog) Invalidate() {}

// Load lets a StaticCatalog back a CachedCatalog.
func (s *StaticCatalog) Load(ctx context.Context) ([]model.RuleDefinition, error) {
	return s.Current(ctx)
}

type catalogSnapshot struct {
	defs     []model.RuleDefinition
	loadedAt time.Time
}

// CachedCatalog keeps the last loaded rule set for ttl. After the first
// successful load readers never wait on the source: an expired snapshot is
// served while one background refresh runs. The first load is bounded by
// loadTimeout, and after it fails readers get an error without touching the
// source until retryAfter has passed.
type CachedCatalog struct {
	source      CatalogSource
	ttl         time.Duration
	loadTimeout time.Duration
	retryAfter  time.Duration
	now         func() time.Time

	snap       atomic.Pointer[catalogSnapshot]
	refreshing atomic.Bool
	firstLoad  sync.Mutex
	failedAt   time.Time // guarded by firstLoad
	lastErr    error     // guarded by firstLoad
	wg         sync.WaitGroup
}

func NewCachedCatalog(source CatalogSource, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{
		source:      source,
		ttl:         ttl,
		loadTimeout: 2 * time.Second,
		retryAfter:  5 * time.Second,
		now:         time.Now,
	}
}

// SetLoadTimeout bounds every load from the source, including the first.
func (c *CachedCatalog) SetLoadTimeout(d time.Duration) {
	if d > 0 {
		c.loadTimeout = d
	}
}

func (c *CachedCatalog) Current(ctx context.Context) ([]model.RuleDefinition, error) {
	if snap := c.snap.Load(); snap != nil {
		if c.now().Sub(snap.loadedAt) >= c.ttl {
			c.refreshAsync()
		}
		return snap.defs, nil
	}

	c.firstLoad.Lock()
	defer c.firstLoad.Unlock()
	if snap := c.snap.Load(); snap != nil {
		return snap.defs, nil
	}
	if !c.failedAt.IsZero() && c.now().Sub(c.failedAt) < c.retryAfter {
		return nil, apperrors.Configuration("rule catalog unavailable", c.lastErr)
	}

	loadCtx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()
	defs, err := c.source.Load(loadCtx)
	if err != nil {
		c.failedAt, c.lastErr = c.now(), err
		logger.Warn("Rule catalog load failed", "error", err, "retry_in", c.retryAfter)
		return nil, apperrors.Configuration("rule catalog unavailable", err)
	}
	c.failedAt, c.lastErr = time.Time{}, nil
	c.snap.Store(&catalogSnapshot{defs: defs, loadedAt: c.now()})
	return defs, nil
}

// Invalidate expires the snapshot; the next read triggers a refresh.
func (c *CachedCatalog) Invalidate() {
	if snap := c.snap.Load(); snap != nil {
		c.snap.Store(&catalogSnapshot{defs: snap.defs})
	}
}

func (c *CachedCatalog) refreshAsync() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.loadTimeout)
		defer cancel()
		defs, err := c.source.Load(ctx)
		if err != nil {
			logger.Warn("Rule catalog refresh failed, serving stale rules", "error", err)
			return
		}
		c.snap.Store(&catalogSnapshot{defs: defs, loadedAt: c.now()})
		logger.Info("Rule catalog refreshed", "rules", len(defs))
	}()
}

// Wait blocks until any in-flight background refresh finishes.
func (c *CachedCatalog) Wait() {
	c.wg.Wait()
}
