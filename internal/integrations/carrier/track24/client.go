package track24

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/BearBump/parcelsync/internal/models"
	"github.com/pkg/errors"
)

// Client speaks the Track24 aggregator protocol. The aggregator detects the
// carrier on its own, so carrierID is only used for logging.
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
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		Events []struct {
			OperationDateTime  string `json:"operationDateTime"`
			OperationAttribute string `json:"operationAttribute"`
			OperationType      string `json:"operationType"`
			OperationPlaceName string `json:"operationPlaceName"`
		} `json:"events"`
	} `json:"data"`
}

// Track24 timestamps look like "02.07.2014 19:16:00".
const eventTimeLayout = "02.01.2006 15:04:05"

func (c *Client) FetchTracking(ctx context.Context, trackingNumber, carrierID string) (*carrier.Trace, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, carrier.Permanent(errors.Wrap(err, "parse base url"))
	}
	u.Path = "/tracking.json.php"

	q := u.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("domain", c.domain)
	q.Set("code", trackingNumber)
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

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, carrier.Transient(fmt.Errorf("track24 http %d", resp.StatusCode))
	}
	if resp.StatusCode/100 != 2 {
		return nil, carrier.Permanent(fmt.Errorf("track24 http %d", resp.StatusCode))
	}

	var r track24Resp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, nil
	}
	if r.Status != "ok" {
		err := fmt.Errorf("track24 status=%s: %s", r.Status, r.Message)
		if rejectsCode(r.Message) {
			return nil, carrier.Permanent(err)
		}
		return nil, carrier.Transient(err)
	}
	if r.Data == nil || r.Data.Events == nil {
		return nil, nil
	}

	// Track24 lists operations oldest first.
	events := make([]models.TrackingEvent, 0, len(r.Data.Events))
	for i := len(r.Data.Events) - 1; i >= 0; i-- {
		e := r.Data.Events[i]
		ts, err := time.ParseInLocation(eventTimeLayout, e.OperationDateTime, time.UTC)
		if err != nil {
			return nil, nil
		}
		desc := e.OperationAttribute
		if desc == "" {
			desc = e.OperationType
		}
		events = append(events, models.TrackingEvent{
			Timestamp:   ts.UTC(),
			Description: desc,
			Location:    models.StrPtr(e.OperationPlaceName),
		})
	}

	return &carrier.Trace{
		TrackingNumber: trackingNumber,
		CarrierID:      carrierID,
		Events:         events,
		FetchedAt:      time.Now().UTC(),
	}, nil
}

func rejectsCode(msg string) bool {
	low := strings.ToLower(msg)
	return strings.Contains(low, "invalid") || strings.Contains(low, "not found") || strings.Contains(low, "unknown")
}
