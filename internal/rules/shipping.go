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
	ShippingFraudAddress           = "shipping.fraud_address"
	ShippingAddressReuse           = "shipping.address_reuse"
	ShippingAddressVelocity        = "shipping.address_velocity"
	ShippingBillingCountryMismatch = "shipping.billing_country_mismatch"
	ShippingFreightForwarder       = "shipping.freight_forwarder"
	ShippingPOBox                  = "shipping.po_box"
	ShippingHighRiskCountry        = "shipping.high_risk_country"
	ShippingRecipientMismatch      = "shipping.recipient_mismatch"
	ShippingExpeditedHighAmount    = "shipping.expedited_high_amount"
	ShippingIncompleteAddress      = "shipping.incomplete_address"
)

// Shipping rules only run when the checkout carries a shipping address.
func shippingRules() []Rule {
	s := model.CategoryShipping
	return []Rule{
		NewRule(ShippingFraudAddress, s, fraudAddress),
		NewRule(ShippingAddressReuse, s, addressReuse),
		NewRule(ShippingAddressVelocity, s, addressVelocity),
		NewRule(ShippingBillingCountryMismatch, s, shippingBillingMismatch),
		NewRule(ShippingFreightForwarder, s, freightForwarder),
		NewRule(ShippingPOBox, s, poBox),
		NewRule(ShippingHighRiskCountry, s, highRiskCountry),
		NewRule(ShippingRecipientMismatch, s, recipientMismatch),
		NewRule(ShippingExpeditedHighAmount, s, expeditedHighAmount),
		NewRule(ShippingIncompleteAddress, s, incompleteAddress),
	}
}

// fraudAddress accepts list entries either as address keys or as
// normalized address strings.
func fraudAddress(_ context.Context, in Input) (Outcome, error) {
	addr := in.Tx.Shipping
	list := in.Params.Strings("addresses", nil)
	if len(list) == 0 {
		return Outcome{}, nil
	}
	if contains(list, addr.Key()) || contains(list, addr.Normalized()) {
		return hit("shipping address is on the fraud address list", map[string]any{"address_key": addr.Key()}), nil
	}
	return Outcome{}, nil
}

func addressReuse(ctx context.Context, in Input) (Outcome, error) {
	return distinctAccounts(ctx, in, manager.ScopeAddressAccounts, in.Tx.Shipping.Key(), 7*24*time.Hour, 3)
}

func addressVelocity(ctx context.Context, in Input) (Outcome, error) {
	return velocity(ctx, in, manager.ScopeShippingAddress, in.Tx.Shipping.Key(), time.Hour, 5)
}

func shippingBillingMismatch(_ context.Context, in Input) (Outcome, error) {
	ship := strings.ToUpper(strings.TrimSpace(in.Tx.Shipping.Country))
	bill := strings.ToUpper(strings.TrimSpace(in.Tx.Billing.Country))
	if ship == "" || bill == "" || ship == bill {
		return Outcome{}, nil
	}
	return hit("shipping to "+ship+" with billing in "+bill,
		map[string]any{"shipping_country": ship, "billing_country": bill}), nil
}

func freightForwarder(_ context.Context, in Input) (Outcome, error) {
	norm := in.Tx.Shipping.Normalized() + " " + strings.ToLower(in.Tx.Shipping.Name)
	for _, kw := range in.Params.Strings("keywords", defaultFreightKeywords) {
		if kw != "" && strings.Contains(norm, kw) {
			return hit("shipping address looks like a freight forwarder ("+kw+")", map[string]any{"keyword": kw}), nil
		}
	}
	return Outcome{}, nil
}

func poBox(_ context.Context, in Input) (Outcome, error) {
	lines := strings.ToLower(in.Tx.Shipping.Line1 + " " + in.Tx.Shipping.Line2)
	if poBoxPattern.MatchString(lines) {
		return hit("shipping to a PO box", nil), nil
	}
	return Outcome{}, nil
}

func highRiskCountry(_ context.Context, in Input) (Outcome, error) {
	c := in.Tx.Shipping.Country
	if contains(in.Params.Strings("countries", defaultHighRiskCountries), c) {
		return hit("shipping to high-risk country "+strings.ToUpper(c), map[string]any{"country": strings.ToUpper(c)}), nil
	}
	return Outcome{}, nil
}

func normName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func recipientMismatch(_ context.Context, in Input) (Outcome, error) {
	ship, bill := normName(in.Tx.Shipping.Name), normName(in.Tx.Billing.Name)
	if ship == "" || bill == "" || ship == bill {
		return Outcome{}, nil
	}
	amt := in.Tx.AmountFloat()
	if th := in.Params.Float("threshold", 200000); amt >= th {
		return hit(fmt.Sprintf("recipient differs from cardholder on a %.0f order", amt), nil), nil
	}
	return Outcome{}, nil
}

func expeditedHighAmount(_ context.Context, in Input) (Outcome, error) {
	method := strings.ToLower(strings.TrimSpace(in.Tx.ShippingMethod))
	if !contains(in.Params.Strings("methods", defaultExpeditedMethods), method) {
		return Outcome{}, nil
	}
	amt := in.Tx.AmountFloat()
	if th := in.Params.Float("threshold", 150000); amt >= th {
		return hit(fmt.Sprintf("%s shipping on a %.0f order", method, amt), map[string]any{"method": method}), nil
	}
	return Outcome{}, nil
}

func incompleteAddress(_ context.Context, in Input) (Outcome, error) {
	a := in.Tx.Shipping
	var missing []string
	if strings.TrimSpace(a.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		missing = append(missing, "postal_code")
	}
	if strings.TrimSpace(a.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) == 0 {
		return Outcome{}, nil
	}
	return hit("shipping address missing "+strings.Join(missing, ", "), map[string]any{"missing": missing}), nil
}
