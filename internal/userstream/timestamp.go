package userstream

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// flexTime decodes epoch milliseconds (number or string) or an ISO-8601 string.
type flexTime struct {
	Time  time.Time
	Valid bool
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = flexTime{}
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return fmt.Errorf("timestamp: unquote %s: %w", text, err)
		}
		text = strings.TrimSpace(unquoted)
	}
	if text == "" {
		*t = flexTime{}
		return nil
	}
	if millis, err := strconv.ParseFloat(text, 64); err == nil {
		*t = flexTime{Time: time.UnixMilli(int64(millis)).UTC(), Valid: true}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, text); err == nil {
			*t = flexTime{Time: parsed.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("timestamp: unsupported format %q", text)
}

func (t flexTime) or(fallback func() time.Time) time.Time {
	if t.Valid {
		return t.Time
	}
	return fallback().UTC()
}
