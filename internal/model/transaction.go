package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionContext 代表一次结账请求的完整风控输入，评估过程中只读
type TransactionContext struct {
	TransactionID  string            `json:"transaction_id"`
	UserID         string            `json:"user_id,omitempty"` // 为空表示游客结账
	MerchantID     string            `json:"merchant_id,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	IP             string            `json:"ip"`
	UserAgent      string            `json:"user_agent"`
	Email          string            `json:"email,omitempty"`
	Device         DeviceFingerprint `json:"device"`
	Behavior       BehaviorTelemetry `json:"behavior"`
	Billing        Address           `json:"billing"`
	Shipping       *Address          `json:"shipping,omitempty"` // 数字商品可为空
	ShippingMethod string            `json:"shipping_method,omitempty"`
	Payment        PaymentInstrument `json:"payment"`
	Account        AccountSnapshot   `json:"account"`
	Timestamp      time.Time         `json:"timestamp"`
}

// DeviceFingerprint holds the raw browser attributes a device id is derived from.
type DeviceFingerprint struct {
	CanvasHash       string `json:"canvas_hash"`
	WebGLHash        string `json:"webgl_hash"`
	AudioHash        string `json:"audio_hash"`
	CPUCores         int    `json:"cpu_cores"`
	ScreenResolution string `json:"screen_resolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`
}

type BehaviorTelemetry struct {
	Pointer    []PointerSample   `json:"pointer,omitempty"`
	Keystrokes []KeystrokeSample `json:"keystrokes,omitempty"`
	Clicks     []ClickSample     `json:"clicks,omitempty"`
}

// PointerSample is one mouse/touch position; T is milliseconds since page load.
type PointerSample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int64   `json:"t"`
}

type KeystrokeSample struct {
	Key    string `json:"key"`
	DownAt int64  `json:"down_at"`
	UpAt   int64  `json:"up_at"`
}

type ClickSample struct {
	Page    string `json:"page"`
	DwellMs int64  `json:"dwell_ms"`
}

type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Normalized returns a lowercase, whitespace-collapsed form used as a lookup key.
func (a Address) Normalized() string {
	parts := []string{a.Line1, a.Line2, a.City, a.Region, a.PostalCode, a.Country}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Join(strings.Fields(strings.ToLower(p)), " ")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "|")
}

// Key is a stable hash of the normalized address so raw addresses never land in counter keys.
func (a Address) Key() string {
	norm := a.Normalized()
	if norm == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}

type PaymentInstrument struct {
	Method        string `json:"method"` // card, bank_transfer, wallet
	CardNumber    string `json:"card_number,omitempty"`
	BIN           string `json:"bin,omitempty"`
	Last4         string `json:"last4,omitempty"`
	IssuerCountry string `json:"issuer_country,omitempty"`
	Funding       string `json:"funding,omitempty"` // credit, debit, prepaid
	CVVFailures   int    `json:"cvv_failures,omitempty"`
	Fingerprint   string `json:"fingerprint,omitempty"`
}

func (p PaymentInstrument) IsCard() bool {
	return p.Method == "" || p.Method == "card"
}

// DigitsOnly strips separators from the PAN.
func (p PaymentInstrument) DigitsOnly() string {
	var b strings.Builder
	for _, r := range p.CardNumber {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (p PaymentInstrument) CardBIN() string {
	if p.BIN != "" {
		return p.BIN
	}
	digits := p.DigitsOnly()
	if len(digits) >= 6 {
		return digits[:6]
	}
	return ""
}

// CardKey identifies the card for velocity counting without storing the PAN.
func (p PaymentInstrument) CardKey() string {
	if p.Fingerprint != "" {
		return p.Fingerprint
	}
	digits := p.DigitsOnly()
	if digits != "" {
		sum := sha256.Sum256([]byte(digits))
		return hex.EncodeToString(sum[:16])
	}
	if bin := p.CardBIN(); bin != "" && p.Last4 != "" {
		return bin + "_" + p.Last4
	}
	return ""
}

type AccountSnapshot struct {
	CreatedAt         time.Time `json:"created_at,omitempty"`
	PasswordChangedAt time.Time `json:"password_changed_at,omitempty"`
	ContactChangedAt  time.Time `json:"contact_changed_at,omitempty"`
	FailedLogins      int       `json:"failed_logins,omitempty"`
}

func (t *TransactionContext) IsGuest() bool {
	return strings.TrimSpace(t.UserID) == ""
}

func (t *TransactionContext) AmountFloat() float64 {
	return t.Amount.InexactFloat64()
}

// EmailDomain returns the lowercase domain part of the email, or "".
func (t *TransactionContext) EmailDomain() string {
	at := strings.LastIndex(t.Email, "@")
	if at < 0 || at == len(t.Email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(t.Email[at+1:]))
}

// EvaluatedAt is the transaction timestamp, falling back to now.
func (t *TransactionContext) EvaluatedAt() time.Time {
	if t.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return t.Timestamp
}
