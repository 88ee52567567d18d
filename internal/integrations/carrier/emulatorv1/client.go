package emulatorv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
)

const op = "emulatorv1.Lookup"

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type respEvent struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Location    *string   `json:"location,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Timezone    *string   `json:"timezone,omitempty"`
}

type respBody struct {
	TrackNumber       string      `json:"track_number"`
	Courier           string      `json:"courier"`
	Status            string      `json:"status"`
	StatusDescription *string     `json:"status_description,omitempty"`
	EstimatedDelivery *time.Time  `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time  `json:"actual_delivery,omitempty"`
	Events            []respEvent `json:"events"`
}

func (c *Client) Lookup(ctx context.Context, trackingNumber, courierService string) (carrier.Result, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.Result{}, carrier.Permanent(op, carrier.ReasonPermanent, errors.Wrap(err, "parse base url"))
	}
	u.Path = fmt.Sprintf("/v1/tracking/%s/%s", url.PathEscape(courierService), url.PathEscape(trackingNumber))
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
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

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.Result{}, carrier.Transient(op, carrier.ReasonMalformed, errors.Wrap(err, "decode"))
	}

	status, ok := models.ParseTrackingStatus(rb.Status)
	if !ok {
		return carrier.Result{}, carrier.Transient(op, carrier.ReasonMalformed, errors.Errorf("unknown status %q", rb.Status))
	}

	src := "emulator-v1"
	res := carrier.Result{
		Status:            status,
		StatusDescription: rb.StatusDescription,
		EstimatedDelivery: utcPtr(rb.EstimatedDelivery),
		ActualDelivery:    utcPtr(rb.ActualDelivery),
	}
	for _, e := range rb.Events {
		res.Events = append(res.Events, models.TrackingEvent{
			Code:        e.Code,
			Name:        e.Name,
			Description: e.Description,
			Location:    e.Location,
			Timestamp:   e.Timestamp.UTC(),
			Timezone:    e.Timezone,
			Source:      &src,
		})
	}
	return res, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
