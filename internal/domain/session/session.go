// Package session tracks signaling sessions and office membership on the
// server. The registry keeps computer names unique within an office and
// each connection in at most one office; it does not itself refuse a
// second agent in an office (callers check AgentInOffice before joining).
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// Session errors. The registry returns ErrNotFound, ErrDuplicateName and
// ErrIdentityChanged; ErrRoleConflict and ErrAgentSingleRoom are not
// returned by any registry method.
var (
	ErrNotFound        = errors.New("session: not found")
	ErrRoleConflict    = errors.New("session: office already has an agent")
	ErrDuplicateName   = errors.New("session: computer name already exists in office")
	ErrAgentSingleRoom = errors.New("session: agent is already in another office")
	ErrIdentityChanged = errors.New("session: name or role differs from existing session")
)

// Data is the per-connection session record.
type Data struct {
	SID      string
	Name     string
	Role     smcp.Role
	OfficeID string // empty while unassigned
}

// Info converts the record to its wire form.
func (d *Data) Info() smcp.SessionInfo {
	return smcp.SessionInfo{Role: d.Role, Name: d.Name, OfficeID: d.OfficeID}
}

// nameKey indexes the reverse (role, office, name) -> sid map. Agents are
// unique by name globally; computers by name within an office.
func nameKey(role smcp.Role, officeID, name string) string {
	if role == smcp.RoleAgent {
		return "agent:" + name
	}
	return "computer:" + officeID + ":" + name
}

// Registry is the concurrent session table. All mutations of one sid are
// serialized by the callers' event ordering; the registry itself only
// guards map consistency.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Data
	byName   map[string]string // nameKey -> sid
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Data),
		byName:   make(map[string]string),
	}
}

// Register adds a session or verifies an idempotent re-register of the same
// sid. A different sid claiming an occupied name key is rejected.
func (r *Registry) Register(d Data) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[d.SID]; ok {
		if existing.Name != d.Name || existing.Role != d.Role {
			return fmt.Errorf("%w: have %s/%s, got %s/%s",
				ErrIdentityChanged, existing.Role, existing.Name, d.Role, d.Name)
		}
		return nil
	}

	key := nameKey(d.Role, d.OfficeID, d.Name)
	if sid, ok := r.byName[key]; ok && sid != d.SID {
		if d.Role == smcp.RoleAgent {
			return fmt.Errorf("%w: agent name %q taken by %s", ErrDuplicateName, d.Name, sid)
		}
		return fmt.Errorf("%w: %q", ErrDuplicateName, d.Name)
	}

	copied := d
	r.sessions[d.SID] = &copied
	r.byName[key] = d.SID
	return nil
}

// Unregister removes a session and its reverse-map entry, returning the
// removed record for teardown broadcasting.
func (r *Registry) Unregister(sid string) (*Data, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sid)
	delete(r.byName, nameKey(d.Role, d.OfficeID, d.Name))
	return d, true
}

// Get returns a copy of a session record.
func (r *Registry) Get(sid string) (*Data, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	copied := *d
	return &copied, true
}

// SetOffice moves a session into (or, with empty officeID, out of) an
// office, keeping the reverse map consistent. Returns the previous office.
func (r *Registry) SetOffice(sid, officeID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.sessions[sid]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sid)
	}

	oldKey := nameKey(d.Role, d.OfficeID, d.Name)
	newKey := nameKey(d.Role, officeID, d.Name)
	if oldKey != newKey {
		if other, ok := r.byName[newKey]; ok && other != sid {
			return "", fmt.Errorf("%w: %q in office %q", ErrDuplicateName, d.Name, officeID)
		}
		delete(r.byName, oldKey)
		r.byName[newKey] = sid
	}
	prev := d.OfficeID
	d.OfficeID = officeID
	return prev, nil
}

// InOffice returns the sessions currently inside an office, sorted by name
// for deterministic snapshots.
func (r *Registry) InOffice(officeID string) []Data {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Data
	for _, d := range r.sessions {
		if d.OfficeID == officeID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AgentInOffice returns the office's agent session, if any.
func (r *Registry) AgentInOffice(officeID string) (*Data, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.sessions {
		if d.OfficeID == officeID && d.Role == smcp.RoleAgent {
			copied := *d
			return &copied, true
		}
	}
	return nil, false
}

// ComputerSID resolves a computer name within an office to its session id.
func (r *Registry) ComputerSID(officeID, name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byName[nameKey(smcp.RoleComputer, officeID, name)]
	return sid, ok
}

// HasComputer reports whether a computer with the given name is in the
// office.
func (r *Registry) HasComputer(officeID, name string) bool {
	_, ok := r.ComputerSID(officeID, name)
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns copies of all sessions, for diagnostics.
func (r *Registry) Snapshot() []Data {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Data, 0, len(r.sessions))
	for _, d := range r.sessions {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}
