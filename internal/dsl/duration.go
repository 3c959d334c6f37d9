package dsl

import (
	"strconv"
	"strings"
)

// maxDurationMinutes 是窗口时长上限（24 小时）。
const maxDurationMinutes = 24 * 60

// parseDurationMinutes 解析 "90m" / "2h" / "1d" 形式的时长为分钟数。
// 超过 24 小时按上限截断；窗口时长在编译期一次性换算，与 anchor_tf 无关。
func parseDurationMinutes(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, configErrorf("时长 %q 非法（示例: 90m / 2h / 1d）", s)
	}
	unit := s[len(s)-1]
	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || num <= 0 {
		return 0, configErrorf("时长 %q 非法（示例: 90m / 2h / 1d）", s)
	}
	var minutes int
	switch unit {
	case 'm':
		minutes = num
	case 'h':
		minutes = num * 60
	case 'd':
		minutes = num * 24 * 60
	default:
		return 0, configErrorf("时长 %q 单位非法（支持 m/h/d）", s)
	}
	if minutes > maxDurationMinutes {
		minutes = maxDurationMinutes
	}
	return minutes, nil
}

// durationToBars 把分钟时长换算成执行周期 bar 数（向上取整，至少 1 根）。
func durationToBars(minutes, execMinutes int) int {
	if execMinutes <= 0 {
		return minutes
	}
	bars := (minutes + execMinutes - 1) / execMinutes
	if bars < 1 {
		bars = 1
	}
	return bars
}
