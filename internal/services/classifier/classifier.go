package classifier

import (
	"strings"

	"github.com/BearBump/parcelsync/internal/integrations/carrier"
	"github.com/BearBump/parcelsync/internal/models"
)

// Result is the canonical view of a carrier trace.
type Result struct {
	Status  models.CanonicalStatus
	Anomaly bool
}

type rule struct {
	markers []string
	result  Result
}

// Order matters: a "delivered after delay" line must count as delivered.
var rules = []rule{
	{
		markers: []string{"签收", "妥投", "signed for", "received", "delivered"},
		result:  Result{Status: models.StatusDelivered},
	},
	{
		markers: []string{"异常", "延误", "exception", "delayed", "delay"},
		result:  Result{Status: models.StatusAnomaly, Anomaly: true},
	},
	{
		markers: []string{"派送", "派件", "out for delivery", "delivering"},
		result:  Result{Status: models.StatusOutForDelivery},
	},
	{
		markers: []string{"运输", "在途", "转运", "in transit"},
		result:  Result{Status: models.StatusInTransit},
	},
}

// Classify maps a most-recent-first event list to a canonical status.
// Only the latest event is inspected.
func Classify(events []models.TrackingEvent) Result {
	if len(events) == 0 {
		return Result{Status: models.StatusPending}
	}
	desc := strings.ToLower(events[0].Description)
	for _, r := range rules {
		for _, m := range r.markers {
			if strings.Contains(desc, m) {
				return r.result
			}
		}
	}
	// unrecognized phrasing: still moving
	return Result{Status: models.StatusInTransit}
}

// ClassifyTrace is Classify for a carrier response. A nil trace means the
// carrier returned no usable event list, which is reported as an anomaly.
func ClassifyTrace(tr *carrier.Trace) Result {
	if tr == nil {
		return Result{Status: models.StatusAnomaly, Anomaly: true}
	}
	return Classify(tr.Events)
}
