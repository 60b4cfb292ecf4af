package device

import (
	"sort"
	"strings"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

const (
	timezoneLanguageMismatch = 30
	timezoneGeoIPMismatch    = 40
	languageGeoIPMismatch    = 20
	allDistinctBonus         = 30
)

var timezoneCountry = map[string]string{
	"asia/seoul":                     "KR",
	"asia/tokyo":                     "JP",
	"asia/shanghai":                  "CN",
	"asia/chongqing":                 "CN",
	"asia/hong_kong":                 "HK",
	"asia/taipei":                    "TW",
	"asia/singapore":                 "SG",
	"asia/bangkok":                   "TH",
	"asia/ho_chi_minh":               "VN",
	"asia/saigon":                    "VN",
	"asia/jakarta":                   "ID",
	"asia/manila":                    "PH",
	"asia/kolkata":                   "IN",
	"asia/calcutta":                  "IN",
	"asia/dubai":                     "AE",
	"asia/jerusalem":                 "IL",
	"asia/kuala_lumpur":              "MY",
	"asia/karachi":                   "PK",
	"asia/dhaka":                     "BD",
	"asia/almaty":                    "KZ",
	"asia/tashkent":                  "UZ",
	"asia/pyongyang":                 "KP",
	"asia/vladivostok":               "RU",
	"europe/moscow":                  "RU",
	"europe/london":                  "GB",
	"europe/dublin":                  "IE",
	"europe/paris":                   "FR",
	"europe/berlin":                  "DE",
	"europe/madrid":                  "ES",
	"europe/rome":                    "IT",
	"europe/amsterdam":               "NL",
	"europe/brussels":                "BE",
	"europe/zurich":                  "CH",
	"europe/vienna":                  "AT",
	"europe/stockholm":               "SE",
	"europe/oslo":                    "NO",
	"europe/copenhagen":              "DK",
	"europe/helsinki":                "FI",
	"europe/warsaw":                  "PL",
	"europe/prague":                  "CZ",
	"europe/kiev":                    "UA",
	"europe/kyiv":                    "UA",
	"europe/istanbul":                "TR",
	"europe/lisbon":                  "PT",
	"europe/athens":                  "GR",
	"europe/bucharest":               "RO",
	"america/new_york":               "US",
	"america/chicago":                "US",
	"america/denver":                 "US",
	"america/phoenix":                "US",
	"america/los_angeles":            "US",
	"america/anchorage":              "US",
	"pacific/honolulu":               "US",
	"america/toronto":                "CA",
	"america/vancouver":              "CA",
	"america/mexico_city":            "MX",
	"america/sao_paulo":              "BR",
	"america/buenos_aires":           "AR",
	"america/argentina/buenos_aires": "AR",
	"america/bogota":                 "CO",
	"america/lima":                   "PE",
	"america/santiago":               "CL",
	"australia/sydney":               "AU",
	"australia/melbourne":            "AU",
	"australia/perth":                "AU",
	"pacific/auckland":               "NZ",
	"africa/lagos":                   "NG",
	"africa/cairo":                   "EG",
	"africa/johannesburg":            "ZA",
	"africa/nairobi":                 "KE",
}

// Languages without a region subtag that map to a single country.
// Shared languages such as en or es resolve only through a region subtag.
var languageCountry = map[string]string{
	"ko": "KR",
	"ja": "JP",
	"th": "TH",
	"vi": "VN",
	"id": "ID",
	"pl": "PL",
	"cs": "CZ",
	"uk": "UA",
	"tr": "TR",
	"he": "IL",
	"el": "GR",
	"hu": "HU",
	"ro": "RO",
	"da": "DK",
	"fi": "FI",
	"nb": "NO",
	"sv": "SE",
}

// TimezoneCountry maps an IANA zone to an ISO country code, or "" if unknown.
func TimezoneCountry(tz string) string {
	return timezoneCountry[strings.ToLower(strings.TrimSpace(tz))]
}

// LanguageCountry maps a BCP 47 tag to an ISO country code using its region
// subtag when present, else the single-country language table.
func LanguageCountry(lang string) string {
	lang = strings.TrimSpace(strings.ReplaceAll(lang, "_", "-"))
	if lang == "" {
		return ""
	}
	if i := strings.IndexByte(lang, ','); i >= 0 {
		lang = lang[:i]
	}
	if i := strings.IndexByte(lang, ';'); i >= 0 {
		lang = lang[:i]
	}
	parts := strings.Split(lang, "-")
	for _, p := range parts[1:] {
		if len(p) == 2 && isAlpha(p) {
			return strings.ToUpper(p)
		}
	}
	return languageCountry[strings.ToLower(parts[0])]
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

type GeoMismatch struct {
	TimezoneCountry string   `json:"timezone_country,omitempty"`
	LanguageCountry string   `json:"language_country,omitempty"`
	GeoIPCountry    string   `json:"geoip_country,omitempty"`
	Score           float64  `json:"score"`
	Reasons         []string `json:"reasons,omitempty"`
}

// CheckGeoMismatch compares the countries implied by timezone, language and
// GeoIP pairwise. Pairs where either side is unknown are skipped.
func CheckGeoMismatch(timezone, language, geoipCountry string) GeoMismatch {
	g := GeoMismatch{
		TimezoneCountry: TimezoneCountry(timezone),
		LanguageCountry: LanguageCountry(language),
		GeoIPCountry:    strings.ToUpper(strings.TrimSpace(geoipCountry)),
	}
	tz, lang, ip := g.TimezoneCountry, g.LanguageCountry, g.GeoIPCountry

	if tz != "" && lang != "" && tz != lang {
		g.Score += timezoneLanguageMismatch
		g.Reasons = append(g.Reasons, "timezone_language")
	}
	if tz != "" && ip != "" && tz != ip {
		g.Score += timezoneGeoIPMismatch
		g.Reasons = append(g.Reasons, "timezone_geoip")
	}
	if lang != "" && ip != "" && lang != ip {
		g.Score += languageGeoIPMismatch
		g.Reasons = append(g.Reasons, "language_geoip")
	}
	if tz != "" && lang != "" && ip != "" && tz != lang && tz != ip && lang != ip {
		g.Score += allDistinctBonus
		g.Reasons = append(g.Reasons, "all_distinct")
	}
	g.Score = model.ClampScore(g.Score)
	sort.Strings(g.Reasons)
	return g
}
