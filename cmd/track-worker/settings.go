package main

import (
	"time"

	"github.com/BearBump/TrackSync/config"
	"github.com/BearBump/TrackSync/internal/services/cachestore"
	"github.com/BearBump/TrackSync/internal/services/health"
	"github.com/BearBump/TrackSync/internal/services/jobqueue"
	"github.com/BearBump/TrackSync/internal/services/planner"
	"github.com/BearBump/TrackSync/internal/services/processor"
	"github.com/BearBump/TrackSync/internal/services/scheduler"
)

// Zero values in the file mean "use the package default", so the helpers
// below only translate units.

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

func plannerConfig(cfg *config.Config) (planner.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return planner.Config{}, err
	}
	p := cfg.Polling
	delays := make([]time.Duration, 0, len(cfg.Processor.RetryDelaysSeconds))
	for _, s := range cfg.Processor.RetryDelaysSeconds {
		delays = append(delays, time.Duration(s)*time.Second)
	}
	return planner.Config{
		PreShipment:        minutes(p.PreShipmentMinutes),
		InTransit:          minutes(p.InTransitMinutes),
		OutForDelivery:     minutes(p.OutForDeliveryMinutes),
		ExceptionHandling:  minutes(p.ExceptionHandlingMinutes),
		DeliveryDayCap:     minutes(p.DeliveryDayCapMinutes),
		MinFrequency:       minutes(p.MinFrequencyMinutes),
		MaxFrequency:       minutes(p.MaxFrequencyMinutes),
		OffHoursMultiplier: p.OffHoursMultiplier,
		Holidays:           p.Holidays,
		Location:           loc,
		RetryDelays:        delays,
	}, nil
}

func cacheConfig(cfg *config.Config) cachestore.Config {
	return cachestore.Config{
		MaxEventHistory: cfg.Processor.MaxEventHistory,
		CacheTTL:        minutes(cfg.Processor.CacheTTLMinutes),
	}
}

func queueConfig(cfg *config.Config) jobqueue.Config {
	return jobqueue.Config{
		MaxAttempts:   cfg.Processor.MaxAttempts,
		RetentionDays: cfg.Processor.JobRetentionDays,
	}
}

func processorConfig(cfg *config.Config) processor.Config {
	return processor.Config{
		BatchSize:              cfg.Processor.BatchSize,
		MaxConcurrent:          cfg.Processor.MaxConcurrentCalls,
		CallTimeout:            time.Duration(cfg.Processor.CallTimeoutSeconds) * time.Second,
		MaxConsecutiveFailures: cfg.Processor.MaxConsecutiveFailures,
		Topic:                  cfg.Kafka.TrackingUpdatedTopicName,
	}
}

func budgetConfig(cfg *config.Config, loc *time.Location) processor.BudgetConfig {
	return processor.BudgetConfig{
		DailyLimit:       cfg.Processor.DailyAPIBudget,
		PerMinute:        cfg.Processor.PerMinuteLimit,
		CourierPerMinute: cfg.Processor.CourierPerMinute,
		Location:         loc,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		UrgentInterval:      minutes(s.UrgentIntervalMinutes),
		UpdateInterval:      minutes(s.UpdateIntervalMinutes),
		MaintenanceInterval: minutes(s.MaintenanceIntervalMinutes),
		DailyInterval:       minutes(s.DailyIntervalMinutes),
		HealthInterval:      minutes(s.HealthIntervalMinutes),
		Debug:               cfg.TrackSync.Debug,
		BatchSize:           cfg.Processor.BatchSize,
		MaxConcurrent:       cfg.Processor.MaxConcurrentCalls,
		DueLimit:            s.DueLimit,
		RetryLimit:          s.RetryLimit,
		RetentionDays:       cfg.Processor.JobRetentionDays,
		FailedThreshold:     cfg.Health.MaxFailedCaches,
		AttentionThreshold:  cfg.Health.MaxAttention,
	}
}

func healthThresholds(cfg *config.Config) health.Thresholds {
	return health.Thresholds{
		MaxPending:      cfg.Health.MaxPendingJobs,
		MaxFailedCaches: cfg.Health.MaxFailedCaches,
		MaxAttention:    cfg.Health.MaxAttention,
		MinSuccessRate:  cfg.Health.MinSuccessRate,
		Window:          time.Duration(cfg.Health.WindowHours) * time.Hour,
	}
}
