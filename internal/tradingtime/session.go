package tradingtime

import (
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
)

// IsTradingTime reports whether now falls within any of sessions on a
// trading day: not a weekend, and (if calendar is non-nil) not a
// registered holiday.
func IsTradingTime(now time.Time, sessions []types.SessionWindow, calendar Calendar) bool {
	weekday := now.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return false
	}
	if calendar != nil && calendar.IsHoliday(now) {
		return false
	}
	if len(sessions) == 0 {
		return false
	}

	sinceMidnight := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second

	for _, session := range sessions {
		start, err := parseClock(session.Start)
		if err != nil {
			continue
		}
		end, err := parseClock(session.End)
		if err != nil {
			continue
		}
		if sinceMidnight >= start && sinceMidnight <= end {
			return true
		}
	}
	return false
}
