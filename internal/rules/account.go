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
	AccountDisposableEmail      = "account.disposable_email"
	AccountNewAccount           = "account.new_account"
	AccountNewAccountHighAmount = "account.new_account_high_amount"
	AccountMultiAccountIP       = "account.multi_account_ip"
	AccountDeviceSharing        = "account.device_sharing"
	AccountEmailDigits          = "account.email_digits"
	AccountGuestHighAmount      = "account.guest_high_amount"
	AccountRecentPasswordChange = "account.recent_password_change"
	AccountRecentContactChange  = "account.recent_contact_change"
	AccountFailedLogins         = "account.failed_logins"
)

func accountRules() []Rule {
	a := model.CategoryAccount
	return []Rule{
		NewRule(AccountDisposableEmail, a, disposableEmail),
		NewRule(AccountNewAccount, a, newAccount),
		NewRule(AccountNewAccountHighAmount, a, newAccountHighAmount),
		NewRule(AccountMultiAccountIP, a, multiAccountIP),
		NewRule(AccountDeviceSharing, a, deviceSharing),
		NewRule(AccountEmailDigits, a, emailDigits),
		NewRule(AccountGuestHighAmount, a, guestHighAmount),
		NewRule(AccountRecentPasswordChange, a, recentPasswordChange),
		NewRule(AccountRecentContactChange, a, recentContactChange),
		NewRule(AccountFailedLogins, a, failedLogins),
	}
}

// accountAge is zero for guests and accounts without a creation time.
func accountAge(tx *model.TransactionContext) (time.Duration, bool) {
	if tx.IsGuest() || tx.Account.CreatedAt.IsZero() {
		return 0, false
	}
	age := tx.EvaluatedAt().Sub(tx.Account.CreatedAt)
	if age < 0 {
		age = 0
	}
	return age, true
}

// identity is the member counted by the distinct-account rules.
func identity(tx *model.TransactionContext) string {
	if !tx.IsGuest() {
		return "u:" + tx.UserID
	}
	if e := strings.TrimSpace(tx.Email); e != "" {
		return "e:" + strings.ToLower(e)
	}
	return ""
}

func disposableEmail(_ context.Context, in Input) (Outcome, error) {
	domain := in.Tx.EmailDomain()
	if contains(in.Params.Strings("domains", defaultDisposableDomains), domain) {
		return hit("disposable email domain "+domain, map[string]any{"domain": domain}), nil
	}
	return Outcome{}, nil
}

func newAccount(_ context.Context, in Input) (Outcome, error) {
	age, ok := accountAge(in.Tx)
	if max := in.Params.Duration("max_age", 24*time.Hour); ok && age < max {
		return hit(fmt.Sprintf("account created %s ago", age.Truncate(time.Minute)),
			map[string]any{"account_age_hours": age.Hours()}), nil
	}
	return Outcome{}, nil
}

func newAccountHighAmount(_ context.Context, in Input) (Outcome, error) {
	age, ok := accountAge(in.Tx)
	if !ok || age >= in.Params.Duration("max_age", 7*24*time.Hour) {
		return Outcome{}, nil
	}
	amt := in.Tx.AmountFloat()
	if th := in.Params.Float("threshold", 200000); amt >= th {
		return hit(fmt.Sprintf("account younger than a week spending %.0f", amt),
			map[string]any{"account_age_hours": age.Hours(), "amount": amt}), nil
	}
	return Outcome{}, nil
}

func distinctAccounts(ctx context.Context, in Input, scope manager.Scope, value string, window time.Duration, max int) (Outcome, error) {
	member := identity(in.Tx)
	if in.Velocity == nil || value == "" || member == "" {
		return Outcome{}, nil
	}
	window = in.Params.Duration("window", window)
	limit := int64(in.Params.Int("max_accounts", max))
	n, err := in.Velocity.HitDistinct(ctx, scope, value, member, window)
	if err != nil {
		return Outcome{}, err
	}
	if n <= limit {
		return Outcome{}, nil
	}
	return hit(fmt.Sprintf("%d distinct accounts within %s (max %d)", n, window, limit),
		map[string]any{"scope": string(scope), "accounts": n, "max": limit}), nil
}

func multiAccountIP(ctx context.Context, in Input) (Outcome, error) {
	return distinctAccounts(ctx, in, manager.ScopeIPAccounts, strings.TrimSpace(in.Tx.IP), 24*time.Hour, 3)
}

func deviceSharing(ctx context.Context, in Input) (Outcome, error) {
	return distinctAccounts(ctx, in, manager.ScopeDeviceAccounts, in.DeviceID, 24*time.Hour, 3)
}

func emailDigits(_ context.Context, in Input) (Outcome, error) {
	at := strings.LastIndex(in.Tx.Email, "@")
	if at <= 0 {
		return Outcome{}, nil
	}
	if run := longDigitsRun.FindString(in.Tx.Email[:at]); run != "" {
		return hit("email local part contains digit run "+run, nil), nil
	}
	return Outcome{}, nil
}

func guestHighAmount(_ context.Context, in Input) (Outcome, error) {
	if !in.Tx.IsGuest() {
		return Outcome{}, nil
	}
	amt := in.Tx.AmountFloat()
	if th := in.Params.Float("threshold", 100000); amt >= th {
		return hit(fmt.Sprintf("guest checkout of %.0f", amt), map[string]any{"amount": amt}), nil
	}
	return Outcome{}, nil
}

func changedWithin(tx *model.TransactionContext, at time.Time, window time.Duration) (time.Duration, bool) {
	if tx.IsGuest() || at.IsZero() {
		return 0, false
	}
	since := tx.EvaluatedAt().Sub(at)
	return since, since >= 0 && since < window
}

func recentPasswordChange(_ context.Context, in Input) (Outcome, error) {
	since, ok := changedWithin(in.Tx, in.Tx.Account.PasswordChangedAt, in.Params.Duration("window", 24*time.Hour))
	if ok {
		return hit(fmt.Sprintf("password changed %s ago", since.Truncate(time.Minute)), nil), nil
	}
	return Outcome{}, nil
}

func recentContactChange(_ context.Context, in Input) (Outcome, error) {
	since, ok := changedWithin(in.Tx, in.Tx.Account.ContactChangedAt, in.Params.Duration("window", 24*time.Hour))
	if ok {
		return hit(fmt.Sprintf("email or phone changed %s ago", since.Truncate(time.Minute)), nil), nil
	}
	return Outcome{}, nil
}

func failedLogins(_ context.Context, in Input) (Outcome, error) {
	n := in.Tx.Account.FailedLogins
	if limit := in.Params.Int("min_failures", 5); n >= limit {
		return hit(fmt.Sprintf("%d failed logins before checkout", n), map[string]any{"failed_logins": n}), nil
	}
	return Outcome{}, nil
}
