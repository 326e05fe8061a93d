// Package format renders measured values for display.
package format

import (
	"math"
	"strconv"
)

var prefixes = []string{"", "k", "M", "G", "T", "P"}

// UnitOptions controls Unit.
type UnitOptions struct {
	// Unit is appended after the prefix, e.g. "W" or "B".
	Unit string
	// Precision is the number of decimals. Trailing zeros are kept.
	Precision int
	// Binary scales by 1024 instead of 1000.
	Binary bool
	// Separator goes between number and unit. Defaults to a space.
	Separator *string
}

// Unit scales value to the largest prefix keeping the magnitude at or above
// one, e.g. Unit(1500, UnitOptions{Unit: "W", Precision: 1}) == "1.5 kW".
func Unit(value float64, opts UnitOptions) string {
	sep := " "
	if opts.Separator != nil {
		sep = *opts.Separator
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return strconv.FormatFloat(value, 'f', -1, 64) + sep + opts.Unit
	}

	base := 1000.0
	if opts.Binary {
		base = 1024
	}
	precision := opts.Precision
	if precision < 0 {
		precision = 0
	}

	scaled := value
	i := 0
	for math.Abs(scaled) >= base && i < len(prefixes)-1 {
		scaled /= base
		i++
	}
	// Rounding may push the value up to the next prefix (999.95 -> "1000.0").
	if i < len(prefixes)-1 {
		if rounded, _ := strconv.ParseFloat(strconv.FormatFloat(scaled, 'f', precision, 64), 64); math.Abs(rounded) >= base {
			scaled /= base
			i++
		}
	}

	return strconv.FormatFloat(scaled, 'f', precision, 64) + sep + prefixes[i] + opts.Unit
}

// Separator returns a pointer for UnitOptions.Separator.
func Separator(s string) *string {
	return &s
}
