package shift

import (
	"context"
	"fmt"
	"time"

	"github.com/mizutanik/flotilla/internal/attention"
	"github.com/mizutanik/flotilla/internal/autopilot"
	"github.com/mizutanik/flotilla/internal/discovery"
	"github.com/mizutanik/flotilla/internal/model"
)

// FleetContext is the aggregated state snapshot a shift reasons over.
type FleetContext struct {
	FleetName   string
	GeneratedAt time.Time
	Projects    []model.Project
	Resources   map[string]model.ResourceState
	Escalations []model.Escalation
	Attention   []model.AttentionSummary
}

// ContextBuilder assembles the fleet context. Tests substitute a canned
// builder; the default reads the live store and discovery registry.
type ContextBuilder interface {
	Build(ctx context.Context) (*FleetContext, error)
}

type contextStore interface {
	OpenEscalations() ([]model.Escalation, error)
}

// LiveContextBuilder builds the context from the running system.
type LiveContextBuilder struct {
	FleetName string
	Store     contextStore
	Registry  *discovery.Registry
	Attention *attention.Aggregator
	Prober    autopilot.ResourceProber
	Now       func() time.Time
}

func (b *LiveContextBuilder) Build(ctx context.Context) (*FleetContext, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	fc := &FleetContext{
		FleetName:   b.FleetName,
		GeneratedAt: now(),
		Resources:   make(map[string]model.ResourceState),
	}

	if b.Registry != nil {
		fc.Projects = b.Registry.List()
	}
	if b.Prober != nil {
		for _, p := range fc.Projects {
			fc.Resources[p.ID] = b.Prober.Probe(p.ID)
		}
	}

	escalations, err := b.Store.OpenEscalations()
	if err != nil {
		return nil, fmt.Errorf("context escalations: %w", err)
	}
	fc.Escalations = escalations

	if b.Attention != nil {
		summaries, err := b.Attention.Fleet(ctx)
		if err != nil {
			return nil, fmt.Errorf("context attention: %w", err)
		}
		fc.Attention = summaries
	}
	return fc, nil
}
