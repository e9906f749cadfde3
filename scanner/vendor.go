package scanner

import (
	"regexp"
	"strings"

	"github.com/srg/mindlink/internal/device"
)

// Vendor is one entry of the known-vendor allowlist
type Vendor struct {
	Name         string
	NamePatterns []*regexp.Regexp
	OUIPrefixes  []string // "AA:BB:CC", compared case-insensitively
}

// KnownVendors lists the headset families the stack understands
var KnownVendors = []Vendor{
	{
		Name: "NeuroSky",
		NamePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)mind\s*wave`),
			regexp.MustCompile(`(?i)neuro\s*sky`),
		},
	},
	{
		Name: "Macrotellect",
		NamePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)brain\s*link`),
		},
	},
	{
		Name:        "Simulated",
		OUIPrefixes: []string{"00:00:5E"},
	},
}

// VendorOf returns the allowlist entry matching the advertised name or address prefix
func VendorOf(name, addr string, vendors []Vendor) (Vendor, bool) {
	for _, v := range vendors {
		for _, p := range v.NamePatterns {
			if p.MatchString(name) {
				return v, true
			}
		}
		if len(addr) >= 8 {
			prefix := strings.ToUpper(addr[:8])
			for _, oui := range v.OUIPrefixes {
				if strings.ToUpper(oui) == prefix {
					return v, true
				}
			}
		}
	}
	return Vendor{}, false
}

// Predicate decides whether an advertisement is reported
type Predicate func(adv device.Advertisement) bool

// KnownVendor accepts advertisements from KnownVendors
func KnownVendor(adv device.Advertisement) bool {
	_, ok := VendorOf(adv.LocalName(), adv.Addr(), KnownVendors)
	return ok
}

// Any accepts everything
func Any(device.Advertisement) bool { return true }
