package jobs

import (
	"context"
	"errors"
	"time"

	"Encore/core/play"
	"Encore/logger"
	"Encore/repository"
)

// 任务名
const (
	JobRoyalty = "royalty"
	JobAdSweep = "ad-sweep"
)

// Specs holds the cron schedule of each built-in job.
type Specs struct {
	Royalty string
	AdSweep string
}

// Royalty wraps a RoyaltyJob as a scheduler Func. A flush already running in
// another process is not an error.
func Royalty(job *play.RoyaltyJob) Func {
	return func(ctx context.Context) error {
		_, err := job.Run(ctx)
		if errors.Is(err, play.ErrFlushInProgress) {
			logger.Info("[Jobs] 其他进程正在结算，跳过本次版税结算")
			return nil
		}
		return err
	}
}

// AdSweep expires approved ads whose end date has passed.
func AdSweep(ads repository.AdRepository, now func() time.Time) Func {
	return func(ctx context.Context) error {
		n, err := ads.ExpireEnded(ctx, now())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("[Jobs] 已下线过期广告", logger.Int64("count", n))
		}
		return nil
	}
}

// RegisterDefaults adds the royalty flush and the ad sweep to s.
func RegisterDefaults(s *Scheduler, specs Specs, royalty *play.RoyaltyJob, ads repository.AdRepository) error {
	if err := s.Add(JobRoyalty, specs.Royalty, Royalty(royalty)); err != nil {
		return err
	}
	return s.Add(JobAdSweep, specs.AdSweep, AdSweep(ads, time.Now))
}
