package resource

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ageUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
	'y': 365 * 24 * time.Hour,
}

// ParseAge parses a tidy age such as "4w" or "30d". A bare number is seconds.
func ParseAge(s string) (time.Duration, error) {
	num := strings.ToLower(strings.TrimSpace(s))
	if num == "" {
		return 0, fmt.Errorf("empty age")
	}

	unit := time.Second
	if d, ok := ageUnits[num[len(num)-1]]; ok {
		unit = d
		num = num[:len(num)-1]
	}

	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return time.Duration(n) * unit, nil
}
