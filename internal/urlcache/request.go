package urlcache

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DateLayout is the wire date format, written in the timestamp's own zone
const DateLayout = "Mon, 02 Jan 2006 15:04:05 MST"

// Epoch is sent as If-Modified-Since when a URL has never been fetched
var Epoch = time.Unix(0, 0).UTC()

// FormatDate renders t in the wire format. UTC is written as GMT.
func FormatDate(t time.Time) string {
	if t.Location() == time.UTC {
		return t.Format(http.TimeFormat)
	}
	return t.Format(DateLayout)
}

// zoneOffsets resolves the zone abbreviations dates may carry, in seconds
// east of UTC. Ambiguous names take their North American meaning.
var zoneOffsets = map[string]int{
	"GMT": 0, "UTC": 0, "UT": 0, "Z": 0,
	"EST": -5 * 3600, "EDT": -4 * 3600,
	"CST": -6 * 3600, "CDT": -5 * 3600,
	"MST": -7 * 3600, "MDT": -6 * 3600,
	"PST": -8 * 3600, "PDT": -7 * 3600,
	"AKST": -9 * 3600, "AKDT": -8 * 3600,
	"HST": -10 * 3600,
	"WET": 0, "WEST": 1 * 3600, "BST": 1 * 3600,
	"CET": 1 * 3600, "CEST": 2 * 3600,
	"EET": 2 * 3600, "EEST": 3 * 3600,
	"JST": 9 * 3600,
}

// dateLayouts are tried in order by ParseDate
var dateLayouts = []string{http.TimeFormat, time.RFC850, time.ANSIC, DateLayout}

// ParseDate reads a date written by an origin server or by FormatDate. The
// zone abbreviation is resolved through a fixed table rather than the local
// zone; an abbreviation missing from the table is an error.
func ParseDate(s string) (time.Time, error) {
	var err error
	for _, layout := range dateLayouts {
		var t time.Time
		// parsing in UTC keeps the written wall clock and zone name intact
		t, err = time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return resolveZone(t, s)
		}
	}
	return time.Time{}, err
}

func resolveZone(t time.Time, s string) (time.Time, error) {
	if t.Location() == time.UTC {
		return t, nil
	}

	name, _ := t.Zone()
	offset, ok := zoneOffsets[name]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown time zone %q in %q", name, s)
	}

	year, month, day := t.Date()
	hour, minute, sec := t.Clock()
	return time.Date(year, month, day, hour, minute, sec, t.Nanosecond(), time.FixedZone(name, offset)), nil
}

// BuildRequest renders the conditional GET for host and path. The text ends
// after the If-Modified-Since line; the blank line closing the header block
// is added by the caller when it transmits. A zero lastModified means Epoch.
func BuildRequest(host, path string, lastModified time.Time) string {
	if lastModified.IsZero() {
		lastModified = Epoch
	}

	var b strings.Builder
	b.WriteString("GET /")
	b.WriteString(path)
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: ")
	b.WriteString(host)
	b.WriteString("\r\n")
	b.WriteString("If-Modified-Since: ")
	b.WriteString(FormatDate(lastModified))
	b.WriteString("\r\n")
	return b.String()
}
