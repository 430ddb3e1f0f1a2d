package app

import (
	"github.com/fatih/color"

	"imgcal/internal/calibrate"
)

// Theme holds the colours used for terminal summaries.
type Theme struct {
	Header *color.Color
	Good   *color.Color
	Warn   *color.Color
	Bad    *color.Color
	Value  *color.Color
}

// DefaultTheme returns the standard terminal colours.
func DefaultTheme() Theme {
	return Theme{
		Header: color.New(color.Bold, color.FgCyan),
		Good:   color.New(color.FgGreen),
		Warn:   color.New(color.FgYellow),
		Bad:    color.New(color.FgRed, color.Bold),
		Value:  color.New(color.Bold),
	}
}

// Status picks the colour for a calibration or strain status string.
func (t Theme) Status(status string) *color.Color {
	// Strain rings report the same strings.
	switch status {
	case calibrate.StatusOK:
		return t.Good
	case calibrate.StatusNotConverged:
		return t.Warn
	default:
		return t.Bad
	}
}
