package tradingtime_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/tradecore/internal/tradingtime"
	"github.com/atlas-desktop/tradecore/pkg/types"
)

func sessions() []types.SessionWindow {
	return []types.SessionWindow{{Start: "09:30", End: "16:00"}}
}

func TestIsTradingTimeWithinSession(t *testing.T) {
	mon := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC) // a Monday
	if !tradingtime.IsTradingTime(mon, sessions(), nil) {
		t.Fatal("expected 10:00 on a Monday to be within the 09:30-16:00 session")
	}
}

func TestIsTradingTimeOutsideSession(t *testing.T) {
	mon := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	if tradingtime.IsTradingTime(mon, sessions(), nil) {
		t.Fatal("expected 08:00 to be outside the session")
	}
}

func TestIsTradingTimeFalseOnWeekend(t *testing.T) {
	sat := time.Date(2026, time.March, 7, 10, 0, 0, 0, time.UTC)
	if tradingtime.IsTradingTime(sat, sessions(), nil) {
		t.Fatal("expected Saturday to never be a trading day")
	}
}

func TestIsTradingTimeFalseOnHoliday(t *testing.T) {
	holiday := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	cal := tradingtime.NewStaticCalendar(holiday)
	if tradingtime.IsTradingTime(holiday, sessions(), cal) {
		t.Fatal("expected a registered holiday to not be a trading day")
	}
}

func TestIsTradingTimeFalseWithNoSessions(t *testing.T) {
	mon := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	if tradingtime.IsTradingTime(mon, nil, nil) {
		t.Fatal("expected no configured sessions to never be trading time")
	}
}

func TestIsTradingTimeMultipleSessions(t *testing.T) {
	mon := time.Date(2026, time.March, 2, 13, 0, 0, 0, time.UTC)
	multi := []types.SessionWindow{
		{Start: "09:30", End: "11:30"},
		{Start: "13:00", End: "16:00"},
	}
	if !tradingtime.IsTradingTime(mon, multi, nil) {
		t.Fatal("expected 13:00 to fall within the second session window")
	}
}
