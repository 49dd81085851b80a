// services/scheduler.go
package services

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const notificationRetryBatch = 50

// StartNotificationRetryScheduler redelivers failed game_filled events every interval.
// The caller owns the returned scheduler and shuts it down.
func StartNotificationRetryScheduler(trigger *NotificationTrigger, interval time.Duration, log *zap.Logger) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()

			sent, err := trigger.RetryFailed(ctx, notificationRetryBatch)
			if err != nil {
				log.Error("[Scheduler] notification retry failed", zap.Error(err))
				return
			}
			if sent > 0 {
				log.Info("[Scheduler] ✅ redelivered notifications", zap.Int("sent", sent))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	sched.Start()
	return sched, nil
}
