package emission

import (
	"strings"
	"time"

	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// Timestamps without an offset are read in the authority's zone.
var authorityZone = taxdoc.AuthorityZone

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
}

// ParseAuthorizationDate accepts the formats the gateway has been seen to
// return. It returns nil when the value is empty or unrecognised.
func ParseAuthorizationDate(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	// The gateway appends Z to authority wall-clock times.
	s = strings.TrimSuffix(s, "Z")
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, authorityZone); err == nil {
			return &t
		}
	}
	return nil
}
