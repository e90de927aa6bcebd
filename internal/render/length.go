package render

import (
	"fmt"
	"strconv"
	"strings"
)

// Conversion factors to inches, the unit Page.printToPDF works in.
var unitPerInch = map[string]float64{
	"in": 1,
	"mm": 25.4,
	"cm": 2.54,
	"px": 96,
	"pt": 72,
}

// ParseLength converts a CSS length such as "15mm", "8.5in" or "40px" to
// inches. Unitless values are treated as pixels, matching browser behavior.
func ParseLength(s string) (float64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty length")
	}

	unit := ""
	num := s
	for u := range unitPerInch {
		if strings.HasSuffix(s, u) {
			unit = u
			num = strings.TrimSpace(strings.TrimSuffix(s, u))
			break
		}
	}
	if unit == "" {
		unit = "px"
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid length %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("length %q must not be negative", s)
	}
	return v / unitPerInch[unit], nil
}
