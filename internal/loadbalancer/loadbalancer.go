// Package loadbalancer implements the Load Balancer (§4.2): instance
// selection per capability under round robin, least outstanding,
// health-aware weighted, and sticky-by-key strategies. Grounded on the
// teacher's infrastructure/cache package (the Cache struct's mutex-guarded
// map idiom, reused here for the in-flight counters and the optional
// Redis-backed ring membership cache) and infrastructure/resilience's
// use of go-redis for cross-process shared state.
package loadbalancer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/aegiscore/platform/internal/platformerr"
	"github.com/aegiscore/platform/internal/registry"
)

// Strategy selects the selection algorithm.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastOutstanding Strategy = "least_outstanding"
	HealthAware      Strategy = "health_aware"
	StickyByKey      Strategy = "sticky_by_key"
)

// LoadBalancer picks one ServiceInstance per capability per call.
type LoadBalancer struct {
	reg *registry.Registry

	mu         sync.Mutex
	rrCounters map[string]int // capability -> next round-robin index
	inFlight   map[string]int // instance id -> in-flight call count

	ring      *hashRing
	redis     *redis.Client
	redisKey  string
}

// Option configures a LoadBalancer at construction.
type Option func(*LoadBalancer)

// WithRedisRing shares sticky-by-key ring membership across processes
// through an optional Redis instance; without it, the ring is process-local.
func WithRedisRing(client *redis.Client, key string) Option {
	return func(lb *LoadBalancer) {
		lb.redis = client
		lb.redisKey = key
	}
}

// New constructs a LoadBalancer over reg.
func New(reg *registry.Registry, opts ...Option) *LoadBalancer {
	lb := &LoadBalancer{
		reg:        reg,
		rrCounters: make(map[string]int),
		inFlight:   make(map[string]int),
		ring:       newHashRing(150),
	}
	for _, opt := range opts {
		opt(lb)
	}
	return lb
}

// Pick selects one instance able to serve cap under strategy, failing with
// NoCapacity (platformerr.Unavailable) when the healthy+degraded set is
// empty. The in-flight counter is incremented on a successful Pick; callers
// must call Release when the call completes or times out.
func (lb *LoadBalancer) Pick(capability string, strategy Strategy, key string) (*registry.ServiceInstance, error) {
	candidates := lb.reg.FindByCapability(capability)
	if len(candidates) == 0 {
		return nil, platformerr.Unavailable(capability, fmt.Errorf("no capacity: no healthy or degraded instance serves %q", capability))
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	var chosen registry.ServiceInstance
	switch strategy {
	case LeastOutstanding:
		chosen = lb.pickLeastOutstanding(candidates)
	case HealthAware:
		chosen = lb.pickHealthAware(candidates)
	case StickyByKey:
		chosen = lb.pickSticky(candidates, key)
	default:
		chosen = lb.pickRoundRobin(capability, candidates)
	}

	lb.mu.Lock()
	lb.inFlight[chosen.ID]++
	lb.mu.Unlock()

	return &chosen, nil
}

// Release decrements the in-flight counter for id; called by the Gateway on
// response or timeout.
func (lb *LoadBalancer) Release(id string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.inFlight[id] > 0 {
		lb.inFlight[id]--
	}
}

// InFlight returns the current in-flight count for id, used by the
// health-aware score and exposed over the admin API.
func (lb *LoadBalancer) InFlight(id string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.inFlight[id]
}

func (lb *LoadBalancer) pickRoundRobin(capability string, candidates []registry.ServiceInstance) registry.ServiceInstance {
	lb.mu.Lock()
	idx := lb.rrCounters[capability] % len(candidates)
	lb.rrCounters[capability]++
	lb.mu.Unlock()
	return candidates[idx]
}

func (lb *LoadBalancer) pickLeastOutstanding(candidates []registry.ServiceInstance) registry.ServiceInstance {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	best := candidates[0]
	bestLoad := lb.inFlight[best.ID]
	tieBreak := 0
	for i := 1; i < len(candidates); i++ {
		load := lb.inFlight[candidates[i].ID]
		if load < bestLoad {
			best = candidates[i]
			bestLoad = load
			tieBreak = i
		}
	}
	_ = tieBreak
	return best
}

// pickHealthAware implements the composite score from §4.2:
// 0.3*(1-load_ratio) + 0.3*health_score + 0.25*(1-normalized_latency) + 0.15*success_rate
func (lb *LoadBalancer) pickHealthAware(candidates []registry.ServiceInstance) registry.ServiceInstance {
	type scored struct {
		inst  registry.ServiceInstance
		score float64
	}

	maxInFlight := 1
	maxLatency := time.Millisecond
	lb.mu.Lock()
	for _, c := range candidates {
		if load := lb.inFlight[c.ID]; load > maxInFlight {
			maxInFlight = load
		}
	}
	lb.mu.Unlock()

	scores := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		hs, err := lb.reg.Health(c.ID)
		if err != nil {
			continue
		}
		if hs.LatencyP95() > maxLatency {
			maxLatency = hs.LatencyP95()
		}
		lb.mu.Lock()
		load := lb.inFlight[c.ID]
		lb.mu.Unlock()

		loadRatio := float64(load) / float64(maxInFlight)
		healthScore := 0.0
		switch hs.Status {
		case registry.StatusHealthy:
			healthScore = 1
		case registry.StatusDegraded:
			healthScore = 0.5
		}
		normalizedLatency := float64(hs.LatencyP95()) / float64(maxLatency)
		successRate := 1 - hs.ErrorRate()/100

		score := 0.3*(1-loadRatio) + 0.3*healthScore + 0.25*(1-normalizedLatency) + 0.15*successRate
		scores = append(scores, scored{inst: c, score: score})
	}

	if len(scores) == 0 {
		return candidates[0]
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.score > best.score {
			best = s
		}
	}
	return best.inst
}

func (lb *LoadBalancer) pickSticky(candidates []registry.ServiceInstance, key string) registry.ServiceInstance {
	lb.mu.Lock()
	lb.ring.reconcile(candidates)
	id := lb.ring.get(key)
	lb.mu.Unlock()

	for _, c := range candidates {
		if c.ID == id {
			return c
		}
	}
	return candidates[0]
}

// SyncRingToRedis persists the current ring membership to Redis so other
// processes' LoadBalancers converge on the same sticky assignment. A no-op
// when no client was configured via WithRedisRing.
func (lb *LoadBalancer) SyncRingToRedis(ctx context.Context) error {
	if lb.redis == nil {
		return nil
	}
	lb.mu.Lock()
	members := lb.ring.members()
	lb.mu.Unlock()
	return lb.redis.SAdd(ctx, lb.redisKey, members).Err()
}

// hashRing is a minimal consistent-hash ring with virtual nodes, bounding
// re-map on membership change per §4.2.
type hashRing struct {
	vnodes   int
	sorted   []uint64
	hashToID map[uint64]string
	known    map[string]bool
}

func newHashRing(vnodes int) *hashRing {
	return &hashRing{vnodes: vnodes, hashToID: make(map[uint64]string), known: make(map[string]bool)}
}

func (r *hashRing) reconcile(candidates []registry.ServiceInstance) {
	present := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		present[c.ID] = true
		if !r.known[c.ID] {
			r.add(c.ID)
		}
	}
	for id := range r.known {
		if !present[id] {
			r.remove(id)
		}
	}
}

func (r *hashRing) add(id string) {
	r.known[id] = true
	for i := 0; i < r.vnodes; i++ {
		h := hashKey(fmt.Sprintf("%s#%d", id, i))
		r.hashToID[h] = id
		r.sorted = append(r.sorted, h)
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i] < r.sorted[j] })
}

func (r *hashRing) remove(id string) {
	delete(r.known, id)
	filtered := r.sorted[:0]
	for _, h := range r.sorted {
		if r.hashToID[h] == id {
			delete(r.hashToID, h)
			continue
		}
		filtered = append(filtered, h)
	}
	r.sorted = filtered
}

func (r *hashRing) get(key string) string {
	if len(r.sorted) == 0 {
		return ""
	}
	h := hashKey(key)
	idx := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= h })
	if idx == len(r.sorted) {
		idx = 0
	}
	return r.hashToID[r.sorted[idx]]
}

func (r *hashRing) members() []string {
	out := make([]string, 0, len(r.known))
	for id := range r.known {
		out = append(out, id)
	}
	return out
}

func hashKey(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}
