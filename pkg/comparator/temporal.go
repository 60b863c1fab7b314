package comparator

import "time"

const dateLayout = "2006-01-02"

// compareTemporal orders two strings when both are RFC 3339 timestamps or
// both are calendar dates. Mixed or unparseable inputs are not comparable.
func compareTemporal(a, b string) (int, bool) {
	if ta, err := time.Parse(time.RFC3339Nano, a); err == nil {
		tb, err := time.Parse(time.RFC3339Nano, b)
		if err != nil {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	da, err := time.Parse(dateLayout, a)
	if err != nil {
		return 0, false
	}
	db, err := time.Parse(dateLayout, b)
	if err != nil {
		return 0, false
	}
	return da.Compare(db), true
}
