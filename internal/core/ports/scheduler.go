package ports

import "time"

type SchedulerService interface {
	Start()
	Stop()

	// ScheduleEvery runs task at a fixed interval. A run never overlaps with
	// the previous one.
	ScheduleEvery(interval time.Duration, task func()) error
}
