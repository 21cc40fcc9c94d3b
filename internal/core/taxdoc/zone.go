package taxdoc

import "time"

// AuthorityZone is the authority's wall-clock zone. Issue dates are calendar
// days in this zone.
var AuthorityZone = loadZone("America/Guayaquil", -5*60*60)

func loadZone(name string, offset int) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.FixedZone(name, offset)
}

// CalendarDay returns midnight of t's date in AuthorityZone.
func CalendarDay(t time.Time) time.Time {
	t = t.In(AuthorityZone)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, AuthorityZone)
}
