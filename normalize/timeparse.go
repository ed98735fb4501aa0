package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// reDotNetDate matches the legacy "/Date(1388505600000)/" embedded-epoch
// form some portal endpoints still emit (optionally with a zone suffix,
// "/Date(1388505600000+0800)/").
var reDotNetDate = regexp.MustCompile(`/Date\((-?\d+)(?:[+-]\d{4})?\)/`)

// timeLayouts are tried in order for free-text upstream dates.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

// parseTime turns an upstream timestamp value into a time.Time.
// Handles the /Date(milliseconds)/ legacy form, ISO and common free-text
// layouts, and bare epoch numbers (seconds or milliseconds). Anything
// unparsable yields the fallback, so record timestamps are always valid.
func parseTime(v any, fallback time.Time) time.Time {
	switch t := v.(type) {
	case nil:
		return fallback
	case float64:
		return epochTime(int64(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return fallback
		}
		if m := reDotNetDate.FindStringSubmatch(s); m != nil {
			ms, err := strconv.ParseInt(m[1], 10, 64)
			if err == nil {
				return time.UnixMilli(ms).UTC()
			}
			return fallback
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochTime(n)
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC()
			}
		}
		return fallback
	default:
		return fallback
	}
}

// epochTime interprets n as milliseconds when it is too large to be a
// plausible seconds value.
func epochTime(n int64) time.Time {
	const msThreshold = 1e11 // ~5138 AD in seconds, ~1973 in millis
	if n > msThreshold || n < -msThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
