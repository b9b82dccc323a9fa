package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/store"
	"github.com/BaSui01/agentroom/types"
)

// releaseTimeout bounds a lease release that outlives its stage context.
const releaseTimeout = 5 * time.Second

// AgentStore is the subset of store.AgentStore the directory needs.
type AgentStore interface {
	ListAgents(ctx context.Context, filter store.AgentFilter) ([]*types.Agent, error)
	TryReserve(ctx context.Context, agentID string) (bool, error)
	Release(ctx context.Context, agentID string) error
}

// Strategy orders eligible candidates; the directory reserves the first one
// that still has capacity.
type Strategy interface {
	Order(candidates []*types.Agent) []*types.Agent
}

// LeastLoadedStrategy prefers the lowest current load, then the lowest id.
type LeastLoadedStrategy struct{}

// Order sorts a copy of candidates.
func (LeastLoadedStrategy) Order(candidates []*types.Agent) []*types.Agent {
	out := make([]*types.Agent, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CurrentLoad != out[j].CurrentLoad {
			return out[i].CurrentLoad < out[j].CurrentLoad
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Observer receives reservation outcomes. internal/metrics implements it.
type Observer interface {
	AgentReserved(role types.AgentRole, agentID string)
	AgentReleased(role types.AgentRole, agentID string)
	AgentUnavailable(role types.AgentRole)
}

type nopObserver struct{}

func (nopObserver) AgentReserved(types.AgentRole, string) {}
func (nopObserver) AgentReleased(types.AgentRole, string) {}
func (nopObserver) AgentUnavailable(types.AgentRole)      {}

// Option configures a Directory.
type Option func(*Directory)

// WithStrategy replaces the default least-loaded ordering.
func WithStrategy(s Strategy) Option {
	return func(d *Directory) { d.strategy = s }
}

// WithObserver attaches a reservation observer.
func WithObserver(o Observer) Option {
	return func(d *Directory) { d.observer = o }
}

// Directory hands out agent leases.
type Directory struct {
	store    AgentStore
	strategy Strategy
	observer Observer
	logger   *zap.Logger
}

// New creates a Directory over store.
func New(agents AgentStore, logger *zap.Logger, opts ...Option) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		store:    agents,
		strategy: LeastLoadedStrategy{},
		observer: nopObserver{},
		logger:   logger.With(zap.String("component", "agent_directory")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Lease is a held capacity reservation on one agent.
type Lease struct {
	Agent *types.Agent

	dir  *Directory
	once sync.Once
	err  error
}

// AgentID returns the leased agent id.
func (l *Lease) AgentID() string { return l.Agent.ID }

// Release returns the reservation. It runs at most once; later calls return
// the first result. A cancelled ctx does not prevent the release.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		l.err = l.dir.store.Release(rctx, l.Agent.ID)
		if l.err != nil {
			l.dir.logger.Error("release agent failed",
				zap.String("agent_id", l.Agent.ID), zap.Error(l.err))
			return
		}
		l.dir.observer.AgentReleased(l.Agent.Role, l.Agent.ID)
	})
	return l.err
}

// ReleaseAll releases every lease and returns the first error.
func ReleaseAll(ctx context.Context, leases []*Lease) error {
	var first error
	for _, l := range leases {
		if err := l.Release(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Select reserves one agent for role. With a specialization, exact matches are
// tried before agents without a specialization.
func (d *Directory) Select(ctx context.Context, role types.AgentRole, specialization string) (*Lease, error) {
	leases, err := d.reserve(ctx, role, specialization, 1)
	if err != nil {
		return nil, err
	}
	return leases[0], nil
}

// SelectMany reserves up to n distinct agents for role. It fails only when no
// agent at all could be reserved.
func (d *Directory) SelectMany(ctx context.Context, role types.AgentRole, specialization string, n int) ([]*Lease, error) {
	if n <= 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "agent count must be positive")
	}
	return d.reserve(ctx, role, specialization, n)
}

func (d *Directory) reserve(ctx context.Context, role types.AgentRole, specialization string, n int) ([]*Lease, error) {
	leases := make([]*Lease, 0, n)
	taken := make(map[string]bool, n)

	for _, tier := range specializationTiers(specialization) {
		if len(leases) == n {
			break
		}
		candidates, err := d.store.ListAgents(ctx, store.AgentFilter{
			Role:            role,
			Specializations: tier,
			Eligible:        true,
		})
		if err != nil {
			_ = ReleaseAll(ctx, leases)
			return nil, types.Errorf(types.ErrInternalError, "list %s agents", role).WithCause(err)
		}
		for _, agent := range d.strategy.Order(candidates) {
			if len(leases) == n {
				break
			}
			if taken[agent.ID] {
				continue
			}
			ok, err := d.store.TryReserve(ctx, agent.ID)
			if err != nil {
				_ = ReleaseAll(ctx, leases)
				return nil, types.Errorf(types.ErrInternalError, "reserve agent %s", agent.ID).WithCause(err)
			}
			if !ok {
				// Lost the race or capacity changed since the listing.
				continue
			}
			taken[agent.ID] = true
			agent.CurrentLoad++
			leases = append(leases, &Lease{Agent: agent, dir: d})
			d.observer.AgentReserved(role, agent.ID)
			d.logger.Debug("agent reserved",
				zap.String("agent_id", agent.ID),
				zap.String("role", string(role)),
				zap.Int("load", agent.CurrentLoad))
		}
	}

	if len(leases) == 0 {
		d.observer.AgentUnavailable(role)
		if specialization != "" {
			return nil, types.Errorf(types.ErrAgentUnavailable, "no available %s agent for specialization %q", role, specialization)
		}
		return nil, types.Errorf(types.ErrAgentUnavailable, "no available %s agent", role)
	}
	return leases, nil
}

// specializationTiers returns the filter passes in priority order. A nil tier
// means any specialization.
func specializationTiers(specialization string) [][]string {
	if specialization == "" {
		return [][]string{nil}
	}
	return [][]string{{specialization}, {""}}
}
