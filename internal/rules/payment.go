package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/manager"
	"github.com/GoPolymarket/fraudgate/internal/model"
)

const (
	PaymentTestCard           = "payment.test_card"
	PaymentFraudBIN           = "payment.fraud_bin"
	PaymentCardBruteForce     = "payment.card_brute_force"
	PaymentCVVFailures        = "payment.cvv_failures"
	PaymentHighAmount         = "payment.high_amount"
	PaymentHighAmountVelocity = "payment.high_amount_velocity"
	PaymentUserVelocity       = "payment.user_velocity"
	PaymentIPVelocity         = "payment.ip_velocity"
	PaymentBINVelocity        = "payment.bin_velocity"
	PaymentBINCountryMismatch = "payment.bin_country_mismatch"
	PaymentPrepaidCard        = "payment.prepaid_card"
	PaymentMicroAmount        = "payment.micro_amount"
)

func paymentRules() []Rule {
	p := model.CategoryPayment
	return []Rule{
		NewRule(PaymentTestCard, p, testCard),
		NewRule(PaymentFraudBIN, p, fraudBIN),
		NewRule(PaymentCardBruteForce, p, cardBruteForce),
		NewRule(PaymentCVVFailures, p, cvvFailures),
		NewRule(PaymentHighAmount, p, highAmount),
		NewRule(PaymentHighAmountVelocity, p, highAmountVelocity),
		NewRule(PaymentUserVelocity, p, userVelocity),
		NewRule(PaymentIPVelocity, p, ipVelocity),
		NewRule(PaymentBINVelocity, p, binVelocity),
		NewRule(PaymentBINCountryMismatch, p, binCountryMismatch),
		NewRule(PaymentPrepaidCard, p, prepaidCard),
		NewRule(PaymentMicroAmount, p, microAmount),
	}
}

// velocity counts one event for (scope, value) and matches once the count
// passes params.max within params.window.
func velocity(ctx context.Context, in Input, scope manager.Scope, value string, window time.Duration, max int) (Outcome, error) {
	if in.Velocity == nil || value == "" {
		return Outcome{}, nil
	}
	window = in.Params.Duration("window", window)
	limit := int64(in.Params.Int("max", max))
	exceeded, count, err := in.Velocity.Exceeded(ctx, scope, value, window, limit)
	if err != nil {
		return Outcome{}, err
	}
	if !exceeded {
		return Outcome{}, nil
	}
	return hit(
		fmt.Sprintf("%d %s events within %s (max %d)", count, scope, window, limit),
		map[string]any{"scope": string(scope), "count": count, "window": window.String(), "max": limit},
	), nil
}

func testCard(_ context.Context, in Input) (Outcome, error) {
	pan := in.Tx.Payment.DigitsOnly()
	if len(pan) < 12 {
		return Outcome{}, nil
	}
	if contains(digitsOf(in.Params.Strings("cards", defaultTestCards)), pan) {
		return hit("card number is a known test card", map[string]any{"last4": pan[len(pan)-4:]}), nil
	}
	return Outcome{}, nil
}

func fraudBIN(_ context.Context, in Input) (Outcome, error) {
	bin := in.Tx.Payment.CardBIN()
	if contains(in.Params.Strings("bins", nil), bin) {
		return hit("card BIN "+bin+" is on the fraud BIN list", map[string]any{"bin": bin}), nil
	}
	return Outcome{}, nil
}

// cardBruteForce counts every attempt on one card.
func cardBruteForce(ctx context.Context, in Input) (Outcome, error) {
	return velocity(ctx, in, manager.ScopeCardAttempt, in.Tx.Payment.CardKey(), 10*time.Minute, 5)
}

func cvvFailures(_ context.Context, in Input) (Outcome, error) {
	n := in.Tx.Payment.CVVFailures
	if limit := in.Params.Int("min_failures", 3); n >= limit {
		return hit(fmt.Sprintf("%d CVV failures on this card", n), map[string]any{"cvv_failures": n}), nil
	}
	return Outcome{}, nil
}

func highAmountThreshold(in Input) float64 {
	return in.Params.Float("threshold", 300000)
}

func highAmount(_ context.Context, in Input) (Outcome, error) {
	amt := in.Tx.AmountFloat()
	if th := highAmountThreshold(in); amt >= th {
		return hit(fmt.Sprintf("amount %s %s at or above %.0f", in.Tx.Amount.String(), in.Tx.Currency, th),
			map[string]any{"amount": amt, "threshold": th}), nil
	}
	return Outcome{}, nil
}

// highAmountVelocity counts only high-amount checkouts per user.
func highAmountVelocity(ctx context.Context, in Input) (Outcome, error) {
	if in.Tx.IsGuest() || in.Tx.AmountFloat() < highAmountThreshold(in) {
		return Outcome{}, nil
	}
	return velocity(ctx, in, manager.ScopeUserHighAmount, in.Tx.UserID, time.Hour, 1)
}

func userVelocity(ctx context.Context, in Input) (Outcome, error) {
	if in.Tx.IsGuest() {
		return Outcome{}, nil
	}
	return velocity(ctx, in, manager.ScopeUser, in.Tx.UserID, time.Hour, 5)
}

func ipVelocity(ctx context.Context, in Input) (Outcome, error) {
	return velocity(ctx, in, manager.ScopeIP, strings.TrimSpace(in.Tx.IP), time.Hour, 10)
}

func binVelocity(ctx context.Context, in Input) (Outcome, error) {
	return velocity(ctx, in, manager.ScopeCardBIN, in.Tx.Payment.CardBIN(), 10*time.Minute, 20)
}

func binCountryMismatch(_ context.Context, in Input) (Outcome, error) {
	issuer := strings.ToUpper(strings.TrimSpace(in.Tx.Payment.IssuerCountry))
	billing := strings.ToUpper(strings.TrimSpace(in.Tx.Billing.Country))
	if issuer == "" || billing == "" || issuer == billing {
		return Outcome{}, nil
	}
	return hit("card issued in "+issuer+" but billing country is "+billing,
		map[string]any{"issuer_country": issuer, "billing_country": billing}), nil
}

func prepaidCard(_ context.Context, in Input) (Outcome, error) {
	if strings.EqualFold(in.Tx.Payment.Funding, "prepaid") {
		return hit("prepaid card", nil), nil
	}
	return Outcome{}, nil
}

// microAmount catches card-testing probes.
func microAmount(_ context.Context, in Input) (Outcome, error) {
	amt := in.Tx.AmountFloat()
	if th := in.Params.Float("threshold", 1000); amt > 0 && amt < th {
		return hit(fmt.Sprintf("amount %s below %.0f", in.Tx.Amount.String(), th),
			map[string]any{"amount": amt, "threshold": th}), nil
	}
	return Outcome{}, nil
}
