// Package timeouts is the single read-only table of named durations and
// output-truncation limits shared by every component that invokes a tool
// or trims its output (spec §4.1, C1).
package timeouts

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Class names a timeout bucket. Callers pass these instead of raw
// durations so policy changes happen in one place.
type Class string

const (
	Instant    Class = "instant"
	Quick      Class = "quick"
	Short      Class = "short"
	Fast       Class = "fast"
	Default    Class = "default"
	Lint       Class = "lint"
	Build      Class = "build"
	Deploy     Class = "deploy"
	TestSuite  Class = "test-suite"
	HTTPReq    Class = "http-request"
	ClusterLog Class = "cluster-login"
)

var durations = map[Class]time.Duration{
	Instant:    2 * time.Second,
	Quick:      5 * time.Second,
	Short:      10 * time.Second,
	Fast:       30 * time.Second,
	Default:    60 * time.Second,
	Lint:       300 * time.Second,
	Build:      600 * time.Second,
	Deploy:     900 * time.Second,
	TestSuite:  1200 * time.Second,
	HTTPReq:    30 * time.Second,
	ClusterLog: 120 * time.Second,
}

// Of returns the duration for a timeout class, falling back to Default
// for an unrecognized class.
func Of(c Class) time.Duration {
	if d, ok := durations[c]; ok {
		return d
	}
	return durations[Default]
}

// OutputCap names a truncation bucket for tool output.
type OutputCap string

const (
	CapShort    OutputCap = "short"
	CapMedium   OutputCap = "medium"
	CapStandard OutputCap = "standard"
	CapLong     OutputCap = "long"
	CapFull     OutputCap = "full"
	CapExtended OutputCap = "extended"
)

var caps = map[OutputCap]int{
	CapShort:    1_000,
	CapMedium:   2_000,
	CapStandard: 5_000,
	CapLong:     10_000,
	CapFull:     15_000,
	CapExtended: 20_000,
}

// CapOf returns the character limit for an output cap, falling back to
// CapStandard for an unrecognized cap.
func CapOf(c OutputCap) int {
	if n, ok := caps[c]; ok {
		return n
	}
	return caps[CapStandard]
}

// Truncate trims s to the given cap, appending a marker noting how much
// was cut so the caller knows the result is partial.
func Truncate(s string, c OutputCap) string {
	limit := CapOf(c)
	if len(s) <= limit {
		return s
	}
	return fmt.Sprintf("%s\n...[truncated %d chars]", s[:limit], len(s)-limit)
}

// Parse converts a duration string with an m/h/d/w suffix into minutes.
// It is a pure helper: no I/O, no global state.
func Parse(spec string) (minutes int, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, fmt.Errorf("duration spec is empty")
	}
	suffix := spec[len(spec)-1]
	numPart := spec[:len(spec)-1]

	var unitMinutes int
	switch suffix {
	case 'm':
		unitMinutes = 1
	case 'h':
		unitMinutes = 60
	case 'd':
		unitMinutes = 60 * 24
	case 'w':
		unitMinutes = 60 * 24 * 7
	default:
		return 0, fmt.Errorf("unsupported duration suffix %q in %q", string(suffix), spec)
	}

	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value in %q: %w", spec, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("duration value must be non-negative: %q", spec)
	}
	return n * unitMinutes, nil
}
