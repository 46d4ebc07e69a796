package mywant

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ampmRegex = regexp.MustCompile(`^(\d{1,2})\s*(am|pm)$`)

// ParseTimeExpression parses a time of day such as "7am", "9pm", "17:30",
// "midnight" or "noon" into hour and minute.
func ParseTimeExpression(expr string) (int, int, error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return 0, 0, fmt.Errorf("empty time expression")
	}

	switch expr {
	case "midnight":
		return 0, 0, nil
	case "noon":
		return 12, 0, nil
	}

	if strings.Contains(expr, ":") {
		parts := strings.Split(expr, ":")
		if len(parts) != 2 {
			return 0, 0, fmt.Errorf("invalid time format: %s", expr)
		}
		hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || hour < 0 || hour > 23 {
			return 0, 0, fmt.Errorf("invalid hour: %s", parts[0])
		}
		minute, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || minute < 0 || minute > 59 {
			return 0, 0, fmt.Errorf("invalid minute: %s", parts[1])
		}
		return hour, minute, nil
	}

	if m := ampmRegex.FindStringSubmatch(expr); m != nil {
		hour, _ := strconv.Atoi(m[1])
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("hour out of range for 12-hour format: %d", hour)
		}
		if m[2] == "pm" && hour != 12 {
			hour += 12
		} else if m[2] == "am" && hour == 12 {
			hour = 0
		}
		return hour, 0, nil
	}

	return 0, 0, fmt.Errorf("unsupported time format: %s", expr)
}

// ParseFrequencyExpression parses "5 minutes", "2 hours", "day", "week",
// "30 seconds" or a Go duration like "20s" into a positive duration.
func ParseFrequencyExpression(expr string) (time.Duration, error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return 0, fmt.Errorf("empty frequency expression")
	}

	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("frequency must be positive: %s", expr)
		}
		return d, nil
	}

	switch expr {
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	case "hour":
		return time.Hour, nil
	case "minute":
		return time.Minute, nil
	case "second":
		return time.Second, nil
	}

	parts := strings.Fields(expr)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid frequency format: %s", expr)
	}
	value, err := strconv.Atoi(parts[0])
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid frequency value: %s", parts[0])
	}

	unit := parts[1]
	switch {
	case strings.HasPrefix(unit, "second"):
		return time.Duration(value) * time.Second, nil
	case strings.HasPrefix(unit, "minute"):
		return time.Duration(value) * time.Minute, nil
	case strings.HasPrefix(unit, "hour"):
		return time.Duration(value) * time.Hour, nil
	case strings.HasPrefix(unit, "day"):
		return time.Duration(value) * 24 * time.Hour, nil
	case strings.HasPrefix(unit, "week"):
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported time unit: %s", unit)
	}
}

// ScheduleRule is a parsed WhenSpec. Instants are Base + k*Interval for k >= 0;
// a zero Interval means the rule fires once at Base.
type ScheduleRule struct {
	Base     time.Time
	Interval time.Duration
}

// ParseWhen resolves a rule against the want's creation time.
func ParseWhen(spec WhenSpec, createdAt time.Time) (ScheduleRule, error) {
	if spec.At == "" && spec.Every == "" {
		return ScheduleRule{}, fmt.Errorf("when rule needs 'at' or 'every'")
	}

	var rule ScheduleRule
	if spec.Every != "" {
		d, err := ParseFrequencyExpression(spec.Every)
		if err != nil {
			return ScheduleRule{}, fmt.Errorf("invalid 'every' value: %w", err)
		}
		rule.Interval = d
	}

	switch {
	case spec.At == "":
		rule.Base = createdAt.Add(rule.Interval)
	default:
		if t, err := time.Parse(time.RFC3339, spec.At); err == nil {
			rule.Base = t
			break
		}
		hour, minute, err := ParseTimeExpression(spec.At)
		if err != nil {
			return ScheduleRule{}, fmt.Errorf("invalid 'at' value: %w", err)
		}
		base := time.Date(createdAt.Year(), createdAt.Month(), createdAt.Day(), hour, minute, 0, 0, createdAt.Location())
		if !base.After(createdAt) {
			base = base.AddDate(0, 0, 1)
		}
		rule.Base = base
	}
	return rule, nil
}

// ValidateWhen checks every rule of a want.
func ValidateWhen(rules []WhenSpec) error {
	for i, r := range rules {
		if _, err := ParseWhen(r, time.Unix(0, 0)); err != nil {
			return fmt.Errorf("when[%d]: %w", i, err)
		}
	}
	return nil
}

// Next returns the instant the rule should fire for, given the last instant
// already fired (zero if none) and the current time. Instants missed before
// now collapse into the latest one, which is due immediately. ok is false
// when a one-shot rule has already fired.
func (r ScheduleRule) Next(lastFired, now time.Time) (instant time.Time, ok bool) {
	if r.Interval <= 0 {
		if !lastFired.IsZero() {
			return time.Time{}, false
		}
		return r.Base, true
	}

	next := r.Base
	if !lastFired.IsZero() && !lastFired.Before(r.Base) {
		k := lastFired.Sub(r.Base)/r.Interval + 1
		next = r.Base.Add(k * r.Interval)
	}
	if next.After(now) {
		return next, true
	}
	k := now.Sub(r.Base) / r.Interval
	return r.Base.Add(k * r.Interval), true
}
