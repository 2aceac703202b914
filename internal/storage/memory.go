package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/waterwatch/internal/model"
)

// DeviceRecord is the persisted form of a device's connectivity
type DeviceRecord struct {
	DeviceID  string
	Status    model.DeviceStatus
	LastSeen  time.Time
	UpdatedAt time.Time
}

// MemoryStore is an in-process Store guarded by a single mutex
type MemoryStore struct {
	mu           sync.Mutex
	alerts       map[string]*model.AlertRecord
	active       map[string]string
	devices      map[string]DeviceRecord
	deviceWrites int
	alertCalls   int
	unavailable  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:  make(map[string]*model.AlertRecord),
		active:  make(map[string]string),
		devices: make(map[string]DeviceRecord),
	}
}

func activeKey(deviceID string, parameter model.Parameter) string {
	return deviceID + "|" + string(parameter)
}

// SetUnavailable makes every subsequent call fail with ErrStoreUnavailable until reset.
func (s *MemoryStore) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if s.unavailable {
		return ErrStoreUnavailable
	}
	return nil
}

// EnsureActive implements AlertStore.EnsureActive
func (s *MemoryStore) EnsureActive(ctx context.Context, candidate model.AlertRecord) (model.AlertRecord, bool, error) {
	if err := validateCandidate(candidate); err != nil {
		return model.AlertRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.alertCalls++
	if err := s.check(ctx); err != nil {
		return model.AlertRecord{}, false, err
	}

	key := activeKey(candidate.DeviceID, candidate.Parameter)
	if id, ok := s.active[key]; ok {
		existing := s.alerts[id]
		if existing.ID == candidate.ID {
			return *existing, true, nil
		}
		reinforce(existing, candidate)
		return *existing, false, nil
	}

	if _, exists := s.alerts[candidate.ID]; exists {
		return model.AlertRecord{}, false, fmt.Errorf("%w: duplicate id %s", ErrInvalidAlert, candidate.ID)
	}
	record := candidate
	record.Status = model.AlertStatusActive
	record.OccurrenceCount = 1
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	s.alerts[record.ID] = &record
	s.active[key] = record.ID
	return record, true, nil
}

// reinforce applies a repeated violation to an active alert. Severity only ever rises.
func reinforce(existing *model.AlertRecord, candidate model.AlertRecord) {
	existing.OccurrenceCount++
	existing.CurrentValue = candidate.CurrentValue
	if candidate.Severity.Rank() > existing.Severity.Rank() {
		existing.Severity = candidate.Severity
		existing.ThresholdValue = candidate.ThresholdValue
	}
	existing.UpdatedAt = candidate.CreatedAt
}

// Get implements AlertStore.Get
func (s *MemoryStore) Get(ctx context.Context, id string) (*model.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

// ListActive implements AlertStore.ListActive
func (s *MemoryStore) ListActive(ctx context.Context, deviceID string) ([]model.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var result []model.AlertRecord
	for _, a := range s.alerts {
		if a.Status != model.AlertStatusActive {
			continue
		}
		if deviceID != "" && a.DeviceID != deviceID {
			continue
		}
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// SetStatus implements AlertStore.SetStatus
func (s *MemoryStore) SetStatus(ctx context.Context, id string, status model.AlertStatus, at time.Time) error {
	if err := validateStatus(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return s.setStatusLocked(a, status, at)
}

// TransitionStatus implements AlertStore.TransitionStatus
func (s *MemoryStore) TransitionStatus(ctx context.Context, id string, from []model.AlertStatus, status model.AlertStatus, at time.Time) (*model.AlertRecord, error) {
	if err := validateStatus(status); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	allowed := false
	for _, f := range from {
		if a.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: alert %s is %s", ErrStatusConflict, id, a.Status)
	}
	if err := s.setStatusLocked(a, status, at); err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) setStatusLocked(a *model.AlertRecord, status model.AlertStatus, at time.Time) error {
	id := a.ID
	key := activeKey(a.DeviceID, a.Parameter)
	if status == model.AlertStatusActive {
		if other, ok := s.active[key]; ok && other != id {
			return fmt.Errorf("%w: %s", ErrInvariantViolation, key)
		}
		s.active[key] = id
	} else if s.active[key] == id {
		delete(s.active, key)
	}
	a.Status = status
	a.UpdatedAt = at
	return nil
}

// UpsertStatus implements DeviceStore.UpsertStatus
func (s *MemoryStore) UpsertStatus(ctx context.Context, deviceID string, status model.DeviceStatus, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	s.deviceWrites++
	s.devices[deviceID] = DeviceRecord{
		DeviceID:  deviceID,
		Status:    status,
		LastSeen:  lastSeen,
		UpdatedAt: time.Now(),
	}
	return nil
}

// Device returns the persisted record of a device
func (s *MemoryStore) Device(deviceID string) (DeviceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	return d, ok
}

// DeviceWrites returns the number of successful device status writes
func (s *MemoryStore) DeviceWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceWrites
}

// AlertCalls returns the number of EnsureActive calls, including failed ones
func (s *MemoryStore) AlertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alertCalls
}

// Close implements Store.Close
func (s *MemoryStore) Close() error {
	return nil
}
