package carrier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
)

// Result is a normalized provider answer for one tracking number.
type Result struct {
	Status            models.TrackingStatus
	StatusDescription *string
	EstimatedDelivery *time.Time
	ActualDelivery    *time.Time
	Events            []models.TrackingEvent
}

// Client is the courier tracking provider contract. Failures carry an apperr
// kind (ProviderTransient or ProviderPermanent) and a Reason field.
type Client interface {
	Lookup(ctx context.Context, trackingNumber, courierService string) (Result, error)
}

// Failure reasons attached to provider errors under the "reason" field.
const (
	ReasonRateLimited = "rate_limited"
	ReasonNotFound    = "not_found"
	ReasonTransient   = "transient"
	ReasonPermanent   = "permanent"
	ReasonMalformed   = "malformed"
)

// Transient builds a retryable provider failure.
func Transient(op, reason string, err error) error {
	return &apperr.Error{
		Kind:   apperr.KindProviderTransient,
		Op:     op,
		Msg:    reason,
		Fields: map[string]any{"reason": reason},
		Err:    err,
	}
}

// Permanent builds a provider failure that must not be retried.
func Permanent(op, reason string, err error) error {
	return &apperr.Error{
		Kind:   apperr.KindProviderPermanent,
		Op:     op,
		Msg:    reason,
		Fields: map[string]any{"reason": reason},
		Err:    err,
	}
}

// FromHTTPStatus classifies a non-2xx provider response.
func FromHTTPStatus(op string, code int) error {
	cause := fmt.Errorf("http %d", code)
	switch {
	case code == http.StatusTooManyRequests:
		return Transient(op, ReasonRateLimited, cause)
	case code == http.StatusNotFound:
		return Permanent(op, ReasonNotFound, cause)
	case code == http.StatusRequestTimeout:
		return Transient(op, ReasonTransient, cause)
	case code >= 400 && code < 500:
		return Permanent(op, ReasonPermanent, cause)
	default:
		return Transient(op, ReasonTransient, cause)
	}
}

// ReasonOf returns the failure reason of a provider error, or "".
func ReasonOf(err error) string {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return ""
	}
	r, _ := e.Fields["reason"].(string)
	return r
}
