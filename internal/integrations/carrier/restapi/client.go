package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/BearBump/parcelsync/internal/models"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Client talks to a carrier (or carrier emulator) exposing
// GET /v1/tracking/{carrier}/{trackingNumber}.
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

const traceSchemaJSON = `{
  "type": "object",
  "required": ["traces"],
  "properties": {
    "traces": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["time", "description"],
        "properties": {
          "time": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "location": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

var traceSchema = jsonschema.MustCompileString("trace.json", traceSchemaJSON)

type respTrace struct {
	Time        string  `json:"time"`
	Description string  `json:"description"`
	Location    *string `json:"location,omitempty"`
}

type respBody struct {
	TrackingNumber string      `json:"trackingNumber"`
	Carrier        string      `json:"carrier"`
	Traces         []respTrace `json:"traces"`
}

func (c *Client) FetchTracking(ctx context.Context, trackingNumber, carrierID string) (*carrier.Trace, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, carrier.Permanent(errors.Wrap(err, "parse base url"))
	}
	code := carrierID
	if code == "" {
		code = "auto"
	}
	u.Path = fmt.Sprintf("/v1/tracking/%s/%s", url.PathEscape(code), url.PathEscape(trackingNumber))
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, carrier.Permanent(errors.Wrap(err, "new request"))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, carrier.Transient(errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, carrier.Transient(fmt.Errorf("carrier rate limit (429)"))
	case resp.StatusCode >= 500:
		return nil, carrier.Transient(fmt.Errorf("carrier http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, carrier.Transient(fmt.Errorf("carrier http %d", resp.StatusCode))
	case resp.StatusCode/100 != 2:
		return nil, carrier.Permanent(fmt.Errorf("carrier http %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, carrier.Transient(errors.Wrap(err, "read body"))
	}

	fetchedAt := time.Now().UTC()
	events, ok := parseTraces(raw)
	if !ok {
		slog.Warn("malformed carrier payload", "tracking_number", trackingNumber, "carrier", carrierID)
		return nil, nil
	}

	return &carrier.Trace{
		TrackingNumber: trackingNumber,
		CarrierID:      carrierID,
		Events:         events,
		FetchedAt:      fetchedAt,
	}, nil
}

// parseTraces returns ok=false when the body has no usable event list.
func parseTraces(raw []byte) ([]models.TrackingEvent, bool) {
	var doc any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil {
		return nil, false
	}
	if err := traceSchema.Validate(doc); err != nil {
		return nil, false
	}

	var rb respBody
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, false
	}

	events := make([]models.TrackingEvent, 0, len(rb.Traces))
	for _, t := range rb.Traces {
		ts, err := time.Parse(time.RFC3339, t.Time)
		if err != nil {
			return nil, false
		}
		events = append(events, models.TrackingEvent{
			Timestamp:   ts.UTC(),
			Description: t.Description,
			Location:    t.Location,
		})
	}
	return events, true
}
