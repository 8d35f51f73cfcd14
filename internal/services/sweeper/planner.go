package sweeper

import (
	"math/rand"
	"time"

	"github.com/BearBump/parcelsync/internal/models"
)

type Rand interface {
	Intn(n int) int
}

// PlannerConfig holds how long a record may go without an update before the
// sweeper refreshes it, per status.
type PlannerConfig struct {
	PendingDelay time.Duration // default: 30 minutes
	AnomalyDelay time.Duration // default: 30 minutes

	InTransitMinDelay time.Duration // default: 60 minutes
	InTransitMaxDelay time.Duration // default: 60 minutes

	OutForDeliveryDelay time.Duration // default: 20 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		PendingDelay:        30 * time.Minute,
		AnomalyDelay:        30 * time.Minute,
		InTransitMinDelay:   60 * time.Minute,
		InTransitMaxDelay:   60 * time.Minute,
		OutForDeliveryDelay: 20 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.PendingDelay <= 0 {
		cfg.PendingDelay = def.PendingDelay
	}
	if cfg.AnomalyDelay <= 0 {
		cfg.AnomalyDelay = def.AnomalyDelay
	}
	if cfg.InTransitMinDelay <= 0 {
		cfg.InTransitMinDelay = def.InTransitMinDelay
	}
	if cfg.InTransitMaxDelay <= 0 {
		cfg.InTransitMaxDelay = def.InTransitMaxDelay
	}
	if cfg.InTransitMaxDelay < cfg.InTransitMinDelay {
		cfg.InTransitMaxDelay = cfg.InTransitMinDelay
	}
	if cfg.OutForDeliveryDelay <= 0 {
		cfg.OutForDeliveryDelay = def.OutForDeliveryDelay
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// RecheckDelay returns how stale a record with the given status must be to
// be refreshed. ok is false for statuses that are never rechecked.
func (p *Planner) RecheckDelay(status models.CanonicalStatus) (d time.Duration, ok bool) {
	switch status {
	case models.StatusPending:
		return p.cfg.PendingDelay, true
	case models.StatusAnomaly:
		return p.cfg.AnomalyDelay, true
	case models.StatusOutForDelivery:
		return p.cfg.OutForDeliveryDelay, true
	case models.StatusInTransit:
		min := p.cfg.InTransitMinDelay
		max := p.cfg.InTransitMaxDelay
		if max == min {
			return min, true
		}
		secMin := int(min.Seconds())
		secMax := int(max.Seconds())
		if secMax < secMin {
			secMax = secMin
		}
		return time.Duration(secMin+p.r.Intn(secMax-secMin+1)) * time.Second, true
	default:
		// DELIVERED and anything unknown
		return 0, false
	}
}
