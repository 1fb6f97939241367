package scheduler

import "errors"

var (
	// ErrInvalidSchedule — расписание не разбирается cron'ом.
	ErrInvalidSchedule = errors.New("invalid schedule")
)
