package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// sizeUnits maps upper-cased suffixes to their byte multiplier. KB, MB and GB
// are decimal; KiB, MiB and GiB and the single letter forms are binary.
var sizeUnits = map[string]int64{
	"":    1,
	"B":   1,
	"KB":  1000,
	"MB":  1000 * 1000,
	"GB":  1000 * 1000 * 1000,
	"K":   1 << 10,
	"KIB": 1 << 10,
	"M":   1 << 20,
	"MIB": 1 << 20,
	"G":   1 << 30,
	"GIB": 1 << 30,
}

// ParseSize parses a byte count such as "4096", "64KB" or "1.5 MiB".
func ParseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	split := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	number, unit := s, ""
	if split >= 0 {
		number, unit = s[:split], strings.TrimSpace(s[split:])
	}
	if number == "" {
		return 0, fmt.Errorf("invalid size %q: missing number", s)
	}

	multiplier, ok := sizeUnits[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, unit)
	}

	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	bytes := value * float64(multiplier)
	if bytes > math.MaxInt32 {
		return 0, fmt.Errorf("invalid size %q: exceeds %d bytes", s, math.MaxInt32)
	}
	return int(bytes), nil
}

// ParseSizeOr returns fallback for an empty string.
func ParseSizeOr(s string, fallback int) (int, error) {
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	return ParseSize(s)
}

// FormatSize renders n with the largest binary unit that keeps it above one.
func FormatSize(n int) string {
	if n < 0 {
		return "invalid"
	}
	units := []string{"B", "KiB", "MiB", "GiB"}
	value := float64(n)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d B", n)
	}
	return strconv.FormatFloat(value, 'f', -1, 64) + " " + units[i]
}
