package session

import (
	"errors"
	"testing"

	"github.com/a2c-smcp/smcp/pkg/smcp"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Data{SID: "s1", Name: "a1", Role: smcp.RoleAgent}); err != nil {
		t.Fatal(err)
	}

	d, ok := r.Get("s1")
	if !ok || d.Name != "a1" || d.OfficeID != "" {
		t.Fatalf("unexpected session %+v", d)
	}

	// Idempotent re-register of the same sid.
	if err := r.Register(Data{SID: "s1", Name: "a1", Role: smcp.RoleAgent}); err != nil {
		t.Fatalf("same-sid re-register must be idempotent: %v", err)
	}

	// Identity change from the same sid is rejected.
	if err := r.Register(Data{SID: "s1", Name: "other", Role: smcp.RoleAgent}); !errors.Is(err, ErrIdentityChanged) {
		t.Fatalf("expected ErrIdentityChanged, got %v", err)
	}
}

func TestAgentNameUniqueness(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Data{SID: "s1", Name: "dup", Role: smcp.RoleAgent}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Data{SID: "s2", Name: "dup", Role: smcp.RoleAgent}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	// A computer may reuse an agent's name: different key space.
	if err := r.Register(Data{SID: "s3", Name: "dup", Role: smcp.RoleComputer}); err != nil {
		t.Fatal(err)
	}
}

func TestSetOfficeDuplicateComputer(t *testing.T) {
	r := NewRegistry()
	for _, d := range []Data{
		{SID: "c1", Name: "box", Role: smcp.RoleComputer},
		{SID: "c2", Name: "box2", Role: smcp.RoleComputer},
	} {
		if err := r.Register(d); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.SetOffice("c1", "office-2"); err != nil {
		t.Fatal(err)
	}

	// Renaming c2 is not possible; but a second session with the same
	// name joining the same office must fail.
	if err := r.Register(Data{SID: "c3", Name: "box", Role: smcp.RoleComputer}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetOffice("c3", "office-2"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	// The failed join leaves c3 unassigned.
	d, _ := r.Get("c3")
	if d.OfficeID != "" {
		t.Errorf("c3 office = %q, want unset", d.OfficeID)
	}
	// The same name in another office is fine.
	if _, err := r.SetOffice("c3", "office-3"); err != nil {
		t.Fatal(err)
	}
}

func TestAtMostOneAgentPerOffice(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Data{SID: "a1", Name: "agent-one", Role: smcp.RoleAgent})
	_ = r.Register(Data{SID: "a2", Name: "agent-two", Role: smcp.RoleAgent})

	if _, err := r.SetOffice("a1", "office-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.AgentInOffice("office-1"); !ok {
		t.Fatal("agent not visible in office")
	}
	// The caller checks AgentInOffice before committing; this mirrors the
	// join handler's sequence.
	if agent, ok := r.AgentInOffice("office-1"); !ok || agent.SID != "a1" {
		t.Fatalf("unexpected agent %+v", agent)
	}
}

func TestUnregisterCleansReverseMap(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Data{SID: "c1", Name: "box", Role: smcp.RoleComputer})
	if _, err := r.SetOffice("c1", "office-1"); err != nil {
		t.Fatal(err)
	}
	if sid, ok := r.ComputerSID("office-1", "box"); !ok || sid != "c1" {
		t.Fatalf("reverse lookup = %s, %v", sid, ok)
	}

	d, ok := r.Unregister("c1")
	if !ok || d.OfficeID != "office-1" {
		t.Fatalf("unregister returned %+v, %v", d, ok)
	}
	if _, ok := r.ComputerSID("office-1", "box"); ok {
		t.Error("stale reverse map entry after unregister")
	}
	if r.Len() != 0 {
		t.Errorf("registry len = %d", r.Len())
	}

	// The slot is reusable immediately.
	if err := r.Register(Data{SID: "c9", Name: "box", Role: smcp.RoleComputer}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetOffice("c9", "office-1"); err != nil {
		t.Fatal(err)
	}
}

func TestJoinLeaveRestoresSnapshot(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Data{SID: "c1", Name: "box", Role: smcp.RoleComputer})

	before := r.Snapshot()
	if _, err := r.SetOffice("c1", "office-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetOffice("c1", ""); err != nil {
		t.Fatal(err)
	}
	after := r.Snapshot()

	if len(before) != len(after) || before[0] != after[0] {
		t.Errorf("join+leave must restore the snapshot:\n before %+v\n after  %+v", before, after)
	}
}

func TestInOfficeSorted(t *testing.T) {
	r := NewRegistry()
	for _, d := range []Data{
		{SID: "s1", Name: "zeta", Role: smcp.RoleComputer},
		{SID: "s2", Name: "alpha", Role: smcp.RoleComputer},
		{SID: "s3", Name: "mid", Role: smcp.RoleAgent},
	} {
		if err := r.Register(d); err != nil {
			t.Fatal(err)
		}
		if _, err := r.SetOffice(d.SID, "office-9"); err != nil {
			t.Fatal(err)
		}
	}
	members := r.InOffice("office-9")
	if len(members) != 3 {
		t.Fatalf("members = %d", len(members))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if members[i].Name != want {
			t.Errorf("members[%d] = %s, want %s", i, members[i].Name, want)
		}
	}
}
