package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Router resolves the node that currently accepts client operations
type Router struct {
	membership Membership
	nodes      map[string]transport.NodeClient
	logger     *zap.Logger

	mu        sync.RWMutex
	suspended bool
}

// NewRouter creates a router over the given node clients keyed by node id
func NewRouter(membership Membership, nodes map[string]transport.NodeClient, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		membership: membership,
		nodes:      nodes,
		logger:     logger,
	}
}

// Active returns the id and client of the active node. While a promotion
// runs it fails with FailoverInProgress.
func (r *Router) Active(_ context.Context) (string, transport.NodeClient, error) {
	r.mu.RLock()
	suspended := r.suspended
	r.mu.RUnlock()
	if suspended {
		return "", nil, cerrors.FailoverInProgress("")
	}

	id := r.membership.CurrentActive()
	if id == "" {
		return "", nil, cerrors.Unavailable("no active node", nil)
	}
	client, ok := r.nodes[id]
	if !ok {
		return "", nil, cerrors.Unavailable(fmt.Sprintf("no route to active node %s", id), nil).
			WithDetail("node_id", id)
	}
	return id, client, nil
}

// Suspend makes Active fail with FailoverInProgress until Resume
func (r *Router) Suspend() {
	r.mu.Lock()
	r.suspended = true
	r.mu.Unlock()
}

func (r *Router) Resume() {
	r.mu.Lock()
	r.suspended = false
	r.mu.Unlock()
}

// NodeIDs returns the known node ids in order
func (r *Router) NodeIDs() []string {
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Probe queries the status of every node concurrently. Unreachable nodes
// are left out of the result and reported in the returned error.
func (r *Router) Probe(ctx context.Context) (map[string]*model.NodeStatus, error) {
	var (
		mu       sync.Mutex
		statuses = make(map[string]*model.NodeStatus, len(r.nodes))
		errs     error
	)

	g, gctx := errgroup.WithContext(ctx)
	for id, client := range r.nodes {
		id, client := id, client
		g.Go(func() error {
			st, err := client.Status(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("node %s: %w", id, err))
				return nil
			}
			statuses[id] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, errs
}

// Discover probes the nodes and records the active one with the highest
// epoch in the membership
func (r *Router) Discover(ctx context.Context) (string, error) {
	statuses, err := r.Probe(ctx)
	if err != nil {
		r.logger.Debug("Some nodes did not answer the probe", zap.Error(err))
	}

	var (
		active string
		epoch  model.Epoch
	)
	for id, st := range statuses {
		if st.Role == model.RoleActive && (active == "" || st.Epoch > epoch) {
			active, epoch = id, st.Epoch
		}
	}
	if active == "" {
		return "", cerrors.Unavailable("no active node found", err)
	}
	if r.membership.CurrentActive() != active {
		r.membership.SetActive(active)
	}
	return active, nil
}
