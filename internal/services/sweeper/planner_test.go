package sweeper

import (
	"testing"
	"time"

	"github.com/BearBump/parcelsync/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type randMock struct {
	mock.Mock
}

func (m *randMock) Intn(n int) int {
	return m.Called(n).Int(0)
}

type PlannerSuite struct {
	suite.Suite
}

func (s *PlannerSuite) TestDefaults() {
	p := NewPlanner(DefaultPlannerConfig(), &randMock{})

	d, ok := p.RecheckDelay(models.StatusPending)
	s.True(ok)
	s.Equal(30*time.Minute, d)

	d, ok = p.RecheckDelay(models.StatusAnomaly)
	s.True(ok)
	s.Equal(30*time.Minute, d)

	d, ok = p.RecheckDelay(models.StatusOutForDelivery)
	s.True(ok)
	s.Equal(20*time.Minute, d)

	d, ok = p.RecheckDelay(models.StatusInTransit)
	s.True(ok)
	s.Equal(60*time.Minute, d)
}

func (s *PlannerSuite) TestDeliveredIsNeverRechecked() {
	p := NewPlanner(PlannerConfig{}, &randMock{})
	_, ok := p.RecheckDelay(models.StatusDelivered)
	s.False(ok)
	_, ok = p.RecheckDelay(models.CanonicalStatus("LOST"))
	s.False(ok)
}

func (s *PlannerSuite) TestInTransit_UsesRand() {
	m := &randMock{}
	m.On("Intn", 1801).Return(600)

	p := NewPlanner(PlannerConfig{
		InTransitMinDelay: 30 * time.Minute,
		InTransitMaxDelay: 60 * time.Minute,
	}, m)
	d, ok := p.RecheckDelay(models.StatusInTransit)
	s.True(ok)
	s.Equal(40*time.Minute, d)
	m.AssertExpectations(s.T())
}

func (s *PlannerSuite) TestMaxBelowMinIsClamped() {
	p := NewPlanner(PlannerConfig{
		InTransitMinDelay: 2 * time.Hour,
		InTransitMaxDelay: time.Hour,
	}, &randMock{})
	d, _ := p.RecheckDelay(models.StatusInTransit)
	s.Equal(2*time.Hour, d)
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
