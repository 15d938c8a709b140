// Package trigger starts pipeline runs on a daily schedule or on demand.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	// 容器镜像里可能没有系统时区数据
	_ "time/tzdata"
)

// Schedule 每天固定的本地时间
type Schedule struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// ParseSchedule 解析 "HH:MM" 和 IANA 时区名
func ParseSchedule(hhmm, tz string) (Schedule, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return Schedule{}, fmt.Errorf("schedule time %q: want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return Schedule{}, fmt.Errorf("schedule time %q: invalid hour", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return Schedule{}, fmt.Errorf("schedule time %q: invalid minute", hhmm)
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule timezone %q: %w", tz, err)
	}
	return Schedule{Hour: hour, Minute: minute, Location: loc}, nil
}

// Next 返回严格晚于 after 的下一次触发时间。
// 夏令时跳过的本地时间按 time.Date 的规则顺延。
func (s Schedule) Next(after time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, loc)
	for i := 1; !candidate.After(after); i++ {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+i, s.Hour, s.Minute, 0, 0, loc)
	}
	return candidate
}

func (s Schedule) String() string {
	name := "UTC"
	if s.Location != nil {
		name = s.Location.String()
	}
	return fmt.Sprintf("%02d:%02d %s", s.Hour, s.Minute, name)
}
