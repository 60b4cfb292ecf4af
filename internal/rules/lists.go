package rules

import (
	"regexp"
	"strings"
)

// Public processor test PANs. Seeing one in production is always card testing.
var defaultTestCards = []string{
	"4111111111111111",
	"4242424242424242",
	"4012888888881881",
	"4000056655665556",
	"4000000000000002",
	"4000000000009995",
	"5555555555554444",
	"5105105105105100",
	"2223003122003222",
	"5200828282828210",
	"378282246310005",
	"371449635398431",
	"6011111111111117",
	"6011000990139424",
	"3530111333300000",
	"30569309025904",
}

var defaultDisposableDomains = []string{
	"mailinator.com",
	"guerrillamail.com",
	"guerrillamail.net",
	"sharklasers.com",
	"10minutemail.com",
	"tempmail.com",
	"temp-mail.org",
	"yopmail.com",
	"trashmail.com",
	"throwawaymail.com",
	"getnada.com",
	"dispostable.com",
	"maildrop.cc",
	"fakeinbox.com",
	"mintemail.com",
	"emailondeck.com",
}

var defaultFreightKeywords = []string{
	"freight",
	"forwarder",
	"forwarding",
	"reship",
	"shipito",
	"myus",
	"stackry",
	"planet express",
	"borderlinx",
	"bongo",
}

var defaultHighRiskCountries = []string{"ng", "gh", "ci", "cm", "kp", "ir"}

var defaultExpeditedMethods = []string{"express", "expedited", "overnight", "next_day", "same_day"}

var (
	poBoxPattern  = regexp.MustCompile(`\b(p\.?\s*o\.?\s*box|post\s+office\s+box|postfach|apartado)\b`)
	longDigitsRun = regexp.MustCompile(`\d{5,}`)
)

func contains(items []string, v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return false
	}
	for _, s := range items {
		if s == v {
			return true
		}
	}
	return false
}

func digitsOf(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		var b strings.Builder
		for _, r := range s {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		out = append(out, b.String())
	}
	return out
}
