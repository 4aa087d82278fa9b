// Package memstore provides an in-memory implementation of the incident,
// triage and response stores. Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/response"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Store holds incidents, alerts, triage results and response actions in
// memory. Mutations and their audit appends commit together: when the
// ledger rejects the record, the mutation is discarded.
type Store struct {
	ledger audit.Ledger

	mu         sync.RWMutex
	incidents  map[string]*incident.Incident
	alerts     map[string]*alert.Alert
	results    map[string]*triage.Result // alert ID -> result
	actions    map[string]*response.Action
	byApproval map[string]string // approval request ID -> action ID
}

// New initializes an in-memory Store backed by the given ledger.
func New(ledger audit.Ledger) *Store {
	return &Store{
		ledger:     ledger,
		incidents:  make(map[string]*incident.Incident),
		alerts:     make(map[string]*alert.Alert),
		results:    make(map[string]*triage.Result),
		actions:    make(map[string]*response.Action),
		byApproval: make(map[string]string),
	}
}

// Create persists a new incident together with its creation record.
func (s *Store) Create(ctx context.Context, inc *incident.Incident, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.incidents[inc.ID]; exists {
		return fmt.Errorf("incident %s already exists", inc.ID)
	}
	if _, err := s.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// Get retrieves an incident by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// List returns incidents filtered by status; empty status means all.
func (s *Store) List(_ context.Context, status incident.Status) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, inc.Clone())
	}
	return out, nil
}

// Update applies fn to a copy of the incident and commits the copy and
// the returned audit record together. An fn error or a failed append
// leaves the stored incident untouched.
func (s *Store) Update(ctx context.Context, id string, fn incident.UpdateFn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	next := cur.Clone()
	rec, err := fn(next)
	if err != nil {
		return err
	}
	if _, err := s.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	s.incidents[id] = next
	return nil
}

// FindOpenByEntities returns non-Closed incidents sharing at least one
// entity identity key with activity at or after since.
func (s *Store) FindOpenByEntities(_ context.Context, keys []string, since time.Time) ([]*incident.Incident, error) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*incident.Incident
	for _, inc := range s.incidents {
		if inc.Status == incident.StatusClosed || inc.LastActivityAt.Before(since) {
			continue
		}
		for _, k := range inc.EntityKeys() {
			if _, hit := want[k]; hit {
				out = append(out, inc.Clone())
				break
			}
		}
	}
	return out, nil
}

// PutAlert stores a copy of a normalized alert.
func (s *Store) PutAlert(_ context.Context, al *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *al
	s.alerts[al.ID] = &cp
	return nil
}

// GetAlert retrieves a normalized alert by ID. Returns a copy.
func (s *Store) GetAlert(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	al, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	cp := *al
	return &cp, true, nil
}

// PutResult stores a copy of a triage result, keyed by alert ID.
func (s *Store) PutResult(_ context.Context, r *triage.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results[r.AlertID] = &cp
	return nil
}

// GetResultByAlert retrieves the triage result for an alert. Returns a copy.
func (s *Store) GetResultByAlert(_ context.Context, alertID string) (*triage.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[alertID]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// CreateAction persists a new response action with its proposal record.
func (s *Store) CreateAction(ctx context.Context, act *response.Action, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[act.ID]; exists {
		return fmt.Errorf("action %s already exists", act.ID)
	}
	if _, err := s.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	s.actions[act.ID] = act.Clone()
	if act.ApprovalRequestID != "" {
		s.byApproval[act.ApprovalRequestID] = act.ID
	}
	return nil
}

// GetAction retrieves a response action by ID. Returns a copy.
func (s *Store) GetAction(_ context.Context, id string) (*response.Action, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	act, ok := s.actions[id]
	if !ok {
		return nil, false, nil
	}
	return act.Clone(), true, nil
}

// GetActionByApproval retrieves the action owning an approval request.
func (s *Store) GetActionByApproval(_ context.Context, approvalRequestID string) (*response.Action, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byApproval[approvalRequestID]
	if !ok {
		return nil, false, nil
	}
	act, ok := s.actions[id]
	if !ok {
		return nil, false, nil
	}
	return act.Clone(), true, nil
}

// UpdateAction applies fn to a copy of the action and commits the copy
// and the returned audit record together.
func (s *Store) UpdateAction(ctx context.Context, id string, fn response.UpdateFn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.actions[id]
	if !ok {
		return response.ErrNotFound
	}
	next := cur.Clone()
	rec, err := fn(next)
	if err != nil {
		return err
	}
	if _, err := s.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	s.actions[id] = next
	if next.ApprovalRequestID != "" && next.ApprovalRequestID != cur.ApprovalRequestID {
		s.byApproval[next.ApprovalRequestID] = id
	}
	return nil
}

// ListActionsByIncident returns the actions proposed for an incident.
func (s *Store) ListActionsByIncident(_ context.Context, incidentID string) ([]*response.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*response.Action
	for _, act := range s.actions {
		if act.IncidentID == incidentID {
			out = append(out, act.Clone())
		}
	}
	return out, nil
}

// ListActionsByStatus returns every action currently in the given status.
func (s *Store) ListActionsByStatus(_ context.Context, status response.Status) ([]*response.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*response.Action
	for _, act := range s.actions {
		if act.Status == status {
			out = append(out, act.Clone())
		}
	}
	return out, nil
}
