// Package incident implements the Incident Log & MTTR Tracker (§4.9): an
// append-only JSONL record per incident, single-writer guarded, with
// rolling MTTR aggregation and an optional Postgres mirror for query-side
// rollups. Grounded on the teacher's infrastructure/logging conventions
// (structured, timestamped, single-writer file output) and
// internal/app/storage/postgres's Store pattern for the optional sink.
package incident

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/platformerr"
	"github.com/aegiscore/platform/pkg/logger"
)

// Incident is the append-only record described in §3/§4.9. Once ResolvedAt
// is set the record is frozen; corrections append a new record referencing
// CorrectionOf.
type Incident struct {
	ID           string     `json:"id"`
	FailureMode  string     `json:"failure_mode"`
	DetectedAt   time.Time  `json:"detected_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	ActionIDs    []string   `json:"action_ids,omitempty"`
	RequiresHuman bool      `json:"requires_human,omitempty"`
	CorrectionOf string     `json:"correction_of,omitempty"`
}

// MTTR returns the resolved-at minus detected-at duration, or zero while open.
func (i Incident) MTTR() time.Duration {
	if i.ResolvedAt == nil {
		return 0
	}
	return i.ResolvedAt.Sub(i.DetectedAt)
}

// Sink optionally mirrors closed incidents for query-side aggregation (a
// Postgres-backed implementation lives in sink_postgres.go).
type Sink interface {
	Write(ctx context.Context, inc Incident) error
}

// Log is the single-writer append-only incident log.
type Log struct {
	mu       sync.Mutex
	dir      string
	open     map[string]*Incident
	all      []Incident // append-only in-memory mirror for in-process aggregation
	sink     Sink
	bus      *eventbus.Bus
	log      *logger.Logger
}

// New constructs a Log writing JSONL files under dir (one file per UTC day,
// incidents/YYYY-MM-DD.jsonl per §6).
func New(dir string, sink Sink, bus *eventbus.Bus, lg *logger.Logger) *Log {
	if lg == nil {
		lg = logger.NewDefault("incident")
	}
	return &Log{
		dir:  dir,
		open: make(map[string]*Incident),
		sink: sink,
		bus:  bus,
		log:  lg,
	}
}

// Name implements system.Service.
func (l *Log) Name() string { return "incident.log" }

// Start/Stop are no-ops; the Log has no background loop of its own.
func (l *Log) Start(context.Context) error { return nil }
func (l *Log) Stop(context.Context) error  { return nil }

// Open begins a new incident for failureMode and returns its id.
func (l *Log) Open(ctx context.Context, failureMode string) (*Incident, error) {
	inc := &Incident{
		ID:          fmt.Sprintf("inc-%d-%s", time.Now().UnixNano(), failureMode),
		FailureMode: failureMode,
		DetectedAt:  time.Now().UTC(),
	}

	l.mu.Lock()
	l.open[inc.ID] = inc
	l.mu.Unlock()

	if err := l.appendLocked(ctx, *inc); err != nil {
		return nil, err
	}
	l.publish("incident.opened", *inc)
	return inc, nil
}

// AttachAction records that actionID was taken in service of incidentID.
func (l *Log) AttachAction(ctx context.Context, incidentID, actionID string) error {
	l.mu.Lock()
	inc, ok := l.open[incidentID]
	if !ok {
		l.mu.Unlock()
		return platformerr.NotFound("incident", incidentID)
	}
	inc.ActionIDs = append(inc.ActionIDs, actionID)
	snapshot := *inc
	l.mu.Unlock()

	return l.appendLocked(ctx, snapshot)
}

// Close freezes incidentID with outcome. Once closed the record is never
// edited again; see Correct for amendments.
func (l *Log) Close(ctx context.Context, incidentID, outcome string, requiresHuman bool) (*Incident, error) {
	l.mu.Lock()
	inc, ok := l.open[incidentID]
	if !ok {
		l.mu.Unlock()
		return nil, platformerr.NotFound("incident", incidentID)
	}
	now := time.Now().UTC()
	inc.ResolvedAt = &now
	inc.Outcome = outcome
	inc.RequiresHuman = requiresHuman
	frozen := *inc
	l.all = append(l.all, frozen)
	delete(l.open, incidentID)
	l.mu.Unlock()

	if err := l.appendLocked(ctx, frozen); err != nil {
		return nil, err
	}
	if l.sink != nil {
		if err := l.sink.Write(ctx, frozen); err != nil {
			l.log.WithField("incident_id", incidentID).WithField("error", err).Warn("incident sink write failed")
		}
	}
	l.publish("incident.closed", frozen)
	return &frozen, nil
}

// Correct appends a new record referencing original, per the invariant that
// closed records are never edited.
func (l *Log) Correct(ctx context.Context, originalID, failureMode, outcome string) (*Incident, error) {
	now := time.Now().UTC()
	inc := Incident{
		ID:           fmt.Sprintf("inc-%d-correction", time.Now().UnixNano()),
		FailureMode:  failureMode,
		DetectedAt:   now,
		ResolvedAt:   &now,
		Outcome:      outcome,
		CorrectionOf: originalID,
	}
	l.mu.Lock()
	l.all = append(l.all, inc)
	l.mu.Unlock()

	if err := l.appendLocked(ctx, inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

func (l *Log) appendLocked(ctx context.Context, inc Incident) error {
	if l.dir == "" {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return platformerr.Internal("incident log mkdir", err)
	}

	path := filepath.Join(l.dir, inc.DetectedAt.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return platformerr.Internal("incident log open", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	data, err := json.Marshal(inc)
	if err != nil {
		return platformerr.Internal("incident log marshal", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return platformerr.Internal("incident log write", err)
	}
	return w.Flush()
}

// MTTRStats aggregates rolling MTTR over a window (last 1h/24h/7d, per §4.9).
type MTTRStats struct {
	Count        int           `json:"count"`
	Average      time.Duration `json:"average"`
	SuccessRatio float64       `json:"success_ratio"`
}

// Aggregate computes MTTRStats over incidents resolved within since..now.
func (l *Log) Aggregate(since time.Duration) MTTRStats {
	l.mu.Lock()
	closed := append([]Incident(nil), l.all...)
	l.mu.Unlock()

	cutoff := time.Now().Add(-since)
	var total time.Duration
	var count, successes int
	for _, inc := range closed {
		if inc.ResolvedAt == nil || inc.ResolvedAt.Before(cutoff) {
			continue
		}
		total += inc.MTTR()
		count++
		if inc.Outcome == "resolved" {
			successes++
		}
	}
	stats := MTTRStats{Count: count}
	if count > 0 {
		stats.Average = total / time.Duration(count)
		stats.SuccessRatio = float64(successes) / float64(count)
	}
	return stats
}

// OpenIncident returns the still-open record for id, if any.
func (l *Log) OpenIncident(id string) (*Incident, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inc, ok := l.open[id]
	return inc, ok
}

// ListOpen returns every currently-open incident, most recently detected first.
func (l *Log) ListOpen() []Incident {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Incident, 0, len(l.open))
	for _, inc := range l.open {
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out
}

func (l *Log) publish(eventType string, inc Incident) {
	if l.bus == nil {
		return
	}
	payload, _ := json.Marshal(inc)
	var decoded map[string]interface{}
	_ = json.Unmarshal(payload, &decoded)
	l.bus.Publish(eventbus.Event{Type: eventType, Source: "incident-log", Payload: decoded})
}

// Descriptor advertises this component's placement for the admin API.
func (l *Log) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "incident-log",
		Domain:       "action-pipeline",
		Layer:        core.LayerData,
		Capabilities: []string{"append-only-log", "mttr-aggregation"},
	}
}
