package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe describes one supported bar interval.
type Timeframe struct {
	Key      string
	Duration time.Duration
}

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Duration: time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"1d":  {Key: "1d", Duration: 24 * time.Hour},
}

// ParseTimeframe returns the normalized timeframe definition.
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe: %s", input)
	}
	return tf, nil
}

// SupportedTimeframes returns all supported keys, sorted.
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AlignDown floors ts to a multiple of the timeframe duration.
func (tf Timeframe) AlignDown(ts time.Time) time.Time {
	return ts.Truncate(tf.Duration)
}
