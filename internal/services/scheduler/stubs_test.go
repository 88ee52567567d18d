package scheduler

import (
	"context"

	"github.com/BearBump/TrackSync/internal/services/health"
)

type healthStub struct{}

func (healthStub) Check(context.Context) (health.Report, error) {
	return health.Report{Status: health.StatusHealthy}, nil
}
