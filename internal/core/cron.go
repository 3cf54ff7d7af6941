package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseClock parses an "HH:MM" wall-clock time.
func ParseClock(value string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q: want HH:MM", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}

// DailySchedule returns the cron schedule that fires once per day at clock ("HH:MM").
func DailySchedule(clock string) (cron.Schedule, error) {
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return nil, err
	}
	schedule, err := cronParser.Parse(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return nil, fmt.Errorf("invalid daily schedule: %w", err)
	}
	return schedule, nil
}

// FiredBetween reports the schedule occurrence in (after, upTo], if any.
func FiredBetween(schedule cron.Schedule, after, upTo time.Time) (time.Time, bool) {
	next := schedule.Next(after)
	if next.IsZero() || next.After(upTo) {
		return time.Time{}, false
	}
	return next, true
}
