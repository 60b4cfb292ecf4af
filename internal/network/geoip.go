package network

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

type GeoInfo struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
	ASN     uint   `json:"asn,omitempty"`
	Org     string `json:"org,omitempty"`
}

// GeoLocator resolves an IP to country and ASN data.
type GeoLocator interface {
	Lookup(ip net.IP) (GeoInfo, error)
}

// MaxMindLocator reads GeoLite2/GeoIP2 City and ASN databases.
type MaxMindLocator struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// OpenMaxMind opens the databases; asnPath may be empty.
func OpenMaxMind(cityPath, asnPath string) (*MaxMindLocator, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("open geoip city db: %w", err)
	}
	loc := &MaxMindLocator{city: city}
	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("open geoip asn db: %w", err)
		}
		loc.asn = asn
	}
	return loc, nil
}

func (m *MaxMindLocator) Lookup(ip net.IP) (GeoInfo, error) {
	var info GeoInfo
	rec, err := m.city.City(ip)
	if err != nil {
		return info, err
	}
	info.Country = rec.Country.IsoCode
	info.City = rec.City.Names["en"]
	if m.asn != nil {
		asn, err := m.asn.ASN(ip)
		if err != nil {
			return info, err
		}
		info.ASN = asn.AutonomousSystemNumber
		info.Org = asn.AutonomousSystemOrganization
	}
	return info, nil
}

func (m *MaxMindLocator) Close() error {
	if m.asn != nil {
		m.asn.Close()
	}
	return m.city.Close()
}

// StaticLocator serves GeoInfo from CIDR prefixes. Used for development and tests.
type StaticLocator struct {
	mu      sync.RWMutex
	entries []staticEntry
}

type staticEntry struct {
	net  *net.IPNet
	info GeoInfo
}

func NewStaticLocator() *StaticLocator {
	return &StaticLocator{}
}

// Add registers a CIDR ("203.0.113.0/24") or a single IP.
func (s *StaticLocator) Add(cidr string, info GeoInfo) error {
	if !strings.Contains(cidr, "/") {
		if strings.Contains(cidr, ":") {
			cidr += "/128"
		} else {
			cidr += "/32"
		}
	}
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = append(s.entries, staticEntry{net: n, info: info})
	s.mu.Unlock()
	return nil
}

func (s *StaticLocator) Lookup(ip net.IP) (GeoInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.net.Contains(ip) {
			return e.info, nil
		}
	}
	return GeoInfo{}, nil
}
