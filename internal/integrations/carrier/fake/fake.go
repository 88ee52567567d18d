package fake

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"time"

	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/models"
)

// FakeClient: заглушка перевозчика для локального запуска.
// Статус детерминирован по (courier, tracking number) и "продвигается" со
// временем от epoch, так что повторные опросы видят новые события.
// Номера с префиксом ERR- дают временную ошибку, BAD- постоянную.
type FakeClient struct {
	epoch time.Time
	step  time.Duration
	now   func() time.Time
}

func New() *FakeClient {
	return &FakeClient{
		epoch: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		step:  6 * time.Hour,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock pins the clock; used in tests.
func (f *FakeClient) WithClock(now func() time.Time) *FakeClient {
	f.now = now
	return f
}

var lifecycle = []struct {
	status models.TrackingStatus
	code   string
	name   string
}{
	{models.TrackingStatusReadyToShip, "RTS", "Label created"},
	{models.TrackingStatusPickedUp, "PU", "Picked up by courier"},
	{models.TrackingStatusInTransit, "IT", "Departed sorting center"},
	{models.TrackingStatusOutForDelivery, "OFD", "Out for delivery"},
	{models.TrackingStatusDelivered, "DL", "Delivered"},
}

func (f *FakeClient) Lookup(ctx context.Context, trackingNumber, courierService string) (carrier.Result, error) {
	if err := ctx.Err(); err != nil {
		return carrier.Result{}, carrier.Transient("fake.Lookup", carrier.ReasonTransient, err)
	}
	switch {
	case strings.HasPrefix(trackingNumber, "ERR-"):
		return carrier.Result{}, carrier.Transient("fake.Lookup", carrier.ReasonTransient, errors.New("simulated outage"))
	case strings.HasPrefix(trackingNumber, "BAD-"):
		return carrier.Result{}, carrier.Permanent("fake.Lookup", carrier.ReasonNotFound, errors.New("unknown tracking number"))
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(courierService))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	start := f.epoch.Add(time.Duration(v%48) * time.Hour)
	now := f.now()
	steps := 0
	if now.After(start) {
		steps = int(now.Sub(start) / f.step)
	}
	if steps >= len(lifecycle) {
		steps = len(lifecycle) - 1
	}

	res := carrier.Result{}
	src := "fake"
	for i := 0; i <= steps; i++ {
		st := lifecycle[i]
		res.Events = append(res.Events, models.TrackingEvent{
			Code:        st.code,
			Name:        st.name,
			Description: st.name,
			Timestamp:   start.Add(time.Duration(i) * f.step),
			Source:      &src,
		})
	}
	cur := lifecycle[steps]
	res.Status = cur.status
	desc := cur.name
	res.StatusDescription = &desc

	eta := start.Add(time.Duration(len(lifecycle)-1) * f.step)
	if cur.status == models.TrackingStatusDelivered {
		res.ActualDelivery = &eta
	} else {
		res.EstimatedDelivery = &eta
	}
	return res, nil
}
