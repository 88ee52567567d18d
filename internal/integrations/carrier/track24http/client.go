package track24http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
)

const op = "track24http.Lookup"

// Client talks to a Track24-compatible aggregator. The aggregator detects the
// courier itself, so courierService is only used for logging upstream.
type Client struct {
	baseURL string
	apiKey  string
	domain  string
	httpc   *http.Client
}

func New(baseURL, apiKey, domain string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		domain:  domain,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type track24Resp struct {
	Status string `json:"status"`
	Data   struct {
		Events []struct {
			OperationDateTime        string `json:"operationDateTime"`
			OperationAttribute       string `json:"operationAttribute"`
			OperationType            string `json:"operationType"`
			OperationPlaceName       string `json:"operationPlaceName"`
			OperationPlacePostalCode string `json:"operationPlacePostalCode"`
			Source                   string `json:"source"`
		} `json:"events"`
	} `json:"data"`
}

func (c *Client) Lookup(ctx context.Context, trackingNumber, _ string) (carrier.Result, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.Result{}, carrier.Permanent(op, carrier.ReasonPermanent, errors.Wrap(err, "parse base url"))
	}
	u.Path = "/tracking.json.php"

	q := u.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("domain", c.domain)
	q.Set("code", trackingNumber)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.Result{}, carrier.Permanent(op, carrier.ReasonPermanent, errors.Wrap(err, "new request"))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.Result{}, carrier.Transient(op, carrier.ReasonTransient, errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.Result{}, carrier.FromHTTPStatus(op, resp.StatusCode)
	}

	var r track24Resp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return carrier.Result{}, carrier.Transient(op, carrier.ReasonMalformed, errors.Wrap(err, "decode"))
	}
	if r.Status != "ok" {
		return carrier.Result{}, carrier.Permanent(op, carrier.ReasonNotFound, errors.Errorf("track24 status=%s", r.Status))
	}

	res := carrier.Result{Status: models.TrackingStatusPending}
	for _, e := range r.Data.Events {
		// Track24: "02.07.2014 19:16:00"; events without a parsable time are
		// dropped, since they can't be de-duplicated between polls.
		evTime, err := time.ParseInLocation("02.01.2006 15:04:05", e.OperationDateTime, time.UTC)
		if err != nil {
			continue
		}
		code := e.OperationType
		if code == "" {
			code = "UNKNOWN"
		}
		ev := models.TrackingEvent{
			Code:        code,
			Name:        e.OperationAttribute,
			Description: e.OperationAttribute,
			Location:    strPtr(e.OperationPlaceName),
			Timestamp:   evTime.UTC(),
			Source:      strPtr(e.Source),
		}
		res.Events = append(res.Events, ev)
		res.Status = statusFor(e.OperationType, e.OperationAttribute, res.Status)
		desc := e.OperationAttribute
		res.StatusDescription = &desc
		if res.Status == models.TrackingStatusDelivered {
			t := ev.Timestamp
			res.ActualDelivery = &t
		}
	}
	return res, nil
}

// statusFor normalizes an operation; unrecognized operations keep the
// previous status but move pre-shipment parcels to IN_TRANSIT.
func statusFor(opType, attr string, prev models.TrackingStatus) models.TrackingStatus {
	if st, ok := models.ParseTrackingStatus(opType); ok {
		return st
	}
	switch strings.ToUpper(opType) {
	case "ACCEPTED", "ACCEPTANCE":
		return models.TrackingStatusPickedUp
	case "RETURN", "RETURNED":
		return models.TrackingStatusException
	}
	if containsDeliveredHint(attr) {
		return models.TrackingStatusDelivered
	}
	switch prev {
	case models.TrackingStatusPending, models.TrackingStatusProcessing, models.TrackingStatusReadyToShip, models.TrackingStatusPickedUp:
		return models.TrackingStatusInTransit
	}
	return prev
}

func containsDeliveredHint(s string) bool {
	low := strings.ToLower(s)
	return strings.Contains(low, "вруч") || strings.Contains(low, "достав") || strings.Contains(low, "delivered")
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
