package policy

import (
	"time"

	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// PeriodStart - начало текущего календарного окна бюджета в зоне now.
// Неделя начинается в воскресенье.
func PeriodStart(p domain.Period, now time.Time) time.Time {
	y, m, d := now.Date()
	loc := now.Location()
	switch p {
	case domain.PeriodDaily:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case domain.PeriodWeekly:
		return time.Date(y, m, d-int(now.Weekday()), 0, 0, 0, 0, loc)
	case domain.PeriodMonthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case domain.PeriodYearly:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	}
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
