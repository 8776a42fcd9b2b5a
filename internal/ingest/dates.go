package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	usDate  = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{2}|\d{4})$`)
	isoDate = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})(?:[T ].*)?$`)
)

// ParseDate reads the date formats scraped and uploaded rows use
// (M/D/YY, M-D-YY, M/D/YYYY, M-D-YYYY and ISO YYYY-MM-DD, optionally
// followed by a time) and returns it as YYYY-MM-DD. Two-digit years are
// 20YY. Dates that do not exist on the calendar are rejected.
func ParseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	var y, m, d int
	if g := isoDate.FindStringSubmatch(s); g != nil {
		y, m, d = atoi(g[1]), atoi(g[2]), atoi(g[3])
	} else if g := usDate.FindStringSubmatch(s); g != nil {
		m, d, y = atoi(g[1]), atoi(g[2]), atoi(g[3])
		if len(g[3]) == 2 {
			y += 2000
		}
	} else {
		return "", false
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
