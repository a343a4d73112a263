package v1

import (
	"strconv"
	"strings"
	"time"
)

// Recognized names for the promoted slots, checked in order.
var (
	TimestampFieldNames = []string{
		"ts", "_ts", "timestamp", "at", "time", "@timestamp", "log_timestamp",
		"event_time", "datetime", "date_time", "created_at", "logged_at", "_t", "@t", "t",
	}
	LevelFieldNames = []string{
		"level", "lvl", "severity", "log_level", "loglevel", "priority", "sev",
		"@level", "log_severity", "error_level", "event_level", "_level", "@l",
	}
	MessageFieldNames = []string{
		"msg", "message", "content", "data", "log", "text", "description",
		"details", "body", "payload", "event_message", "log_message", "_message",
		"@message", "@m",
	}
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05,999",
	"02/Jan/2006:15:04:05 -0700",
	time.RFC1123Z,
	time.RFC1123,
	time.ANSIC,
}

// Promote fills the Timestamp, Level and Message slots from recognized fields.
// Slots already set are left alone.
func Promote(e *Event) {
	if e.Timestamp == nil {
		for _, name := range TimestampFieldNames {
			if ts, ok := ParseTimestamp(e.Get(name)); ok {
				e.Timestamp = &ts
				break
			}
		}
	}
	if e.Level == "" {
		e.Level = firstString(e, LevelFieldNames)
	}
	if e.Message == "" {
		e.Message = firstString(e, MessageFieldNames)
	}
}

func firstString(e *Event, names []string) string {
	for _, name := range names {
		v := e.Get(name)
		if s, ok := v.Str(); ok && s != "" {
			return s
		}
		if v.IsNumber() {
			return v.String()
		}
	}
	return ""
}

// ParseTimestamp interprets strings in common layouts and numbers as epoch
// seconds or milliseconds (values above 1e11 are taken as milliseconds).
func ParseTimestamp(v Value) (time.Time, bool) {
	switch v.Kind() {
	case KindInt, KindFloat:
		f, _ := v.Float()
		return fromEpoch(f), true
	case KindString:
		s := strings.TrimSpace(v.s)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f), true
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) time.Time {
	if f > 1e11 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
