package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/platformerr"
	"github.com/aegiscore/platform/pkg/logger"
)

// Snapshot is the manifest record returned by Capture; the blob itself is
// stored separately through PersistenceBackend, keyed by IntegrityHash.
type Snapshot struct {
	ID            string            `json:"id"`
	ActionID      string            `json:"action_id"`
	Kind          string            `json:"kind"`
	CapturedAt    time.Time         `json:"captured_at"`
	IntegrityHash string            `json:"integrity_hash"`
	RestoreRef    string            `json:"restore_ref"`
	PinnedBy      map[string]bool   `json:"pinned_by,omitempty"` // open incident ids referencing this snapshot
}

// CaptureFunc produces the observable-state blob for (actionID, kind); the
// caller (Action Gateway) supplies this since only it knows what scope needs
// capturing for a given action type.
type CaptureFunc func(ctx context.Context, actionID, kind string) ([]byte, error)

// RestoreFunc applies a captured blob back onto the system; supplied by the
// caller per kind.
type RestoreFunc func(ctx context.Context, kind string, blob []byte) error

// Manager implements Capture/Restore with content-addressed deduplication
// and time-bounded retention (§4.7).
type Manager struct {
	mu sync.RWMutex

	backend   PersistenceBackend
	manifests map[string]*Snapshot // snapshot id -> manifest
	byHash    map[string]string    // integrity hash -> snapshot id (dedup)

	retention time.Duration
	bus       *eventbus.Bus
	log       *logger.Logger
}

// New constructs a Manager backed by backend, evicting snapshots older than
// retention unless pinned by an open incident.
func New(backend PersistenceBackend, retention time.Duration, bus *eventbus.Bus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("snapshot")
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Manager{
		backend:   backend,
		manifests: make(map[string]*Snapshot),
		byHash:    make(map[string]string),
		retention: retention,
		bus:       bus,
		log:       log,
	}
}

// Capture stores blob under its content hash, deduplicating identical
// captures, and returns the Snapshot manifest.
func (m *Manager) Capture(ctx context.Context, actionID, kind string, blob []byte) (*Snapshot, error) {
	sum := sha256.Sum256(blob)
	hash := hex.EncodeToString(sum[:])

	m.mu.Lock()
	if existingID, ok := m.byHash[hash]; ok {
		snap := m.manifests[existingID]
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	id := fmt.Sprintf("snap-%s", hash[:16])
	if err := m.backend.Save(ctx, hash, blob); err != nil {
		return nil, platformerr.Internal("snapshot capture save", err)
	}

	snap := &Snapshot{
		ID:            id,
		ActionID:      actionID,
		Kind:          kind,
		CapturedAt:    time.Now().UTC(),
		IntegrityHash: hash,
		RestoreRef:    hash,
	}

	m.mu.Lock()
	m.manifests[id] = snap
	m.byHash[hash] = id
	m.mu.Unlock()

	m.publish("snapshot.captured", snap)
	return snap, nil
}

// Restore loads the blob for snapshotID and invokes restoreFn against it.
func (m *Manager) Restore(ctx context.Context, snapshotID string, restoreFn RestoreFunc) error {
	m.mu.RLock()
	snap, ok := m.manifests[snapshotID]
	m.mu.RUnlock()
	if !ok {
		return platformerr.NotFound("snapshot", snapshotID)
	}

	blob, err := m.backend.Load(ctx, snap.IntegrityHash)
	if err != nil {
		return platformerr.RollbackFailed(snap.ActionID, fmt.Errorf("load snapshot %s: %w", snapshotID, err))
	}

	if err := restoreFn(ctx, snap.Kind, blob); err != nil {
		return platformerr.RollbackFailed(snap.ActionID, err)
	}

	m.publish("snapshot.restored", snap)
	return nil
}

// Pin marks a snapshot as referenced by an open incident, exempting it from
// retention eviction until Unpin is called.
func (m *Manager) Pin(snapshotID, incidentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.manifests[snapshotID]
	if !ok {
		return
	}
	if snap.PinnedBy == nil {
		snap.PinnedBy = make(map[string]bool)
	}
	snap.PinnedBy[incidentID] = true
}

// Unpin releases an incident's pin on a snapshot.
func (m *Manager) Unpin(snapshotID, incidentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.manifests[snapshotID]
	if !ok {
		return
	}
	delete(snap.PinnedBy, incidentID)
}

// EvictExpired removes every manifest older than the retention window that
// no open incident pins, and deletes its blob if no other manifest still
// references the same hash.
func (m *Manager) EvictExpired(ctx context.Context) int {
	now := time.Now()
	m.mu.Lock()
	var toDelete []*Snapshot
	for id, snap := range m.manifests {
		if len(snap.PinnedBy) > 0 {
			continue
		}
		if now.Sub(snap.CapturedAt) <= m.retention {
			continue
		}
		toDelete = append(toDelete, snap)
		delete(m.manifests, id)
		delete(m.byHash, snap.IntegrityHash)
	}
	m.mu.Unlock()

	for _, snap := range toDelete {
		_ = m.backend.Delete(ctx, snap.IntegrityHash)
	}
	return len(toDelete)
}

// Get returns a snapshot manifest by id.
func (m *Manager) Get(id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.manifests[id]
	if !ok {
		return nil, platformerr.NotFound("snapshot", id)
	}
	return snap, nil
}

func (m *Manager) publish(eventType string, snap *Snapshot) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(snap)
	var decoded map[string]interface{}
	_ = json.Unmarshal(payload, &decoded)
	m.bus.Publish(eventbus.Event{Type: eventType, Source: "snapshot-manager", Payload: decoded})
}

// Descriptor advertises this component's placement for the admin API.
func (m *Manager) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "snapshot-manager",
		Domain:       "action-pipeline",
		Layer:        core.LayerData,
		Capabilities: []string{"capture", "restore", "content-addressed"},
	}
}
