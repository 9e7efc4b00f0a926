package escrow

import (
	"errors"
	"math/big"
	"testing"
)

type recordingEmitter struct {
	events []Event
}

func (r *recordingEmitter) Emit(evt Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) types() []string {
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

func newTestEngine() (*Engine, *recordingEmitter) {
	engine := NewEngine()
	emitter := &recordingEmitter{}
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, emitter
}

func deployedSingle(t *testing.T) *Escrow {
	t.Helper()
	esc, err := SanitizeEscrow(singleReleaseDraft())
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	esc.ContractID = "C1"
	return esc
}

func deployedMulti(t *testing.T) *Escrow {
	t.Helper()
	esc, err := SanitizeEscrow(multiReleaseDraft())
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	esc.ContractID = "C2"
	return esc
}

func TestChangeMilestoneStatus(t *testing.T) {
	engine, emitter := newTestEngine()
	esc := deployedSingle(t)

	if err := engine.ChangeMilestoneStatus(esc, esc.Roles.ServiceProvider, 0, "in-progress", "https://work/1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if esc.Milestones[0].Status != "in-progress" || esc.Milestones[0].Evidence != "https://work/1" {
		t.Fatalf("status/evidence not applied: %+v", esc.Milestones[0])
	}
	if got := emitter.types(); len(got) != 1 || got[0] != EventTypeMilestoneStatusChange {
		t.Fatalf("unexpected events %v", got)
	}

	if err := engine.ChangeMilestoneStatus(esc, esc.Roles.Approver, 0, "done", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for approver, got %v", err)
	}

	esc.Milestones[0].Flags.Approved = true
	if err := engine.ChangeMilestoneStatus(esc, esc.Roles.ServiceProvider, 0, "done", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after approval, got %v", err)
	}
}

func TestApproveMilestone(t *testing.T) {
	engine, _ := newTestEngine()
	esc := deployedSingle(t)

	if err := engine.ApproveMilestone(esc, esc.Roles.ServiceProvider, 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.ApproveMilestone(esc, esc.Roles.Approver, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !esc.Milestones[0].Flags.Approved {
		t.Fatalf("milestone not approved")
	}

	esc.Milestones[1].Flags.Disputed = true
	if err := engine.ApproveMilestone(esc, esc.Roles.Approver, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected dispute to block approval, got %v", err)
	}
}

func TestFund(t *testing.T) {
	engine, emitter := newTestEngine()
	esc := deployedSingle(t)
	outsider := testAddr(0x42)

	if err := engine.Fund(esc, outsider, big.NewInt(600)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := engine.Fund(esc, outsider, big.NewInt(400)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if esc.Balance.Int64() != 1000 {
		t.Fatalf("balance = %s, want 1000", esc.Balance)
	}
	if got := emitter.types(); len(got) != 2 || got[0] != EventTypeEscrowFunded {
		t.Fatalf("unexpected events %v", got)
	}

	if err := engine.Fund(esc, outsider, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := engine.Fund(esc, "", big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty caller, got %v", err)
	}

	esc.Flags.Released = true
	if err := engine.Fund(esc, outsider, big.NewInt(1)); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestReleaseSingle(t *testing.T) {
	engine, _ := newTestEngine()
	esc := deployedSingle(t)

	if err := engine.Fund(esc, testAddr(0x42), big.NewInt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := engine.Release(esc, esc.Roles.ReleaseSigner, -1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected unapproved milestones to block release, got %v", err)
	}
	for i := range esc.Milestones {
		if err := engine.ApproveMilestone(esc, esc.Roles.Approver, i); err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
	}

	dist, err := engine.Release(esc, esc.Roles.ReleaseSigner, -1)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if dist.ReceiverAmount.Int64() != 947 || dist.PlatformFeeAmount.Int64() != 50 || dist.ProtocolFeeAmount.Int64() != 3 {
		t.Fatalf("unexpected distribution %+v", dist)
	}
	if esc.Balance.Sign() != 0 {
		t.Fatalf("balance not drained: %s", esc.Balance)
	}
	if !esc.Flags.Released {
		t.Fatalf("released flag not set")
	}

	// Terminal: no further mutation of any kind.
	if _, err := engine.Release(esc, esc.Roles.ReleaseSigner, -1); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal on re-release, got %v", err)
	}
	if err := engine.StartDispute(esc, esc.Roles.Approver, -1); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal on dispute, got %v", err)
	}
}

func TestReleaseMilestone(t *testing.T) {
	engine, _ := newTestEngine()
	esc := deployedMulti(t)

	if err := engine.Fund(esc, testAddr(0x42), big.NewInt(400)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := engine.ApproveMilestone(esc, esc.Roles.Approver, 1); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Milestone 1 needs 600 but only 400 is custodied.
	if _, err := engine.Release(esc, esc.Roles.ReleaseSigner, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected balance shortfall to block release, got %v", err)
	}

	if err := engine.ApproveMilestone(esc, esc.Roles.Approver, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	dist, err := engine.Release(esc, esc.Roles.ReleaseSigner, 0)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if dist.Total().Int64() != 400 {
		t.Fatalf("distribution sums to %s, want 400", dist.Total())
	}
	if esc.Balance.Sign() != 0 {
		t.Fatalf("balance = %s, want 0", esc.Balance)
	}
	if !esc.Milestones[0].Flags.Released || esc.Milestones[1].Flags.Released {
		t.Fatalf("release flags wrong: %+v %+v", esc.Milestones[0].Flags, esc.Milestones[1].Flags)
	}
}

func TestSingleReleaseRejectsMilestoneUnits(t *testing.T) {
	engine, _ := newTestEngine()
	esc := deployedSingle(t)

	if err := engine.Fund(esc, testAddr(0x42), big.NewInt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// Release, dispute and resolution address the whole escrow; a milestone
	// index must not reach checklist items.
	if err := engine.StartDispute(esc, esc.Roles.Approver, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected per-milestone dispute rejection, got %v", err)
	}
	if _, err := engine.Release(esc, esc.Roles.ReleaseSigner, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected per-milestone release rejection, got %v", err)
	}

	if err := engine.StartDispute(esc, esc.Roles.Approver, -1); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := engine.ResolveDispute(esc, esc.Roles.DisputeResolver, 0, big.NewInt(400), big.NewInt(600)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected per-milestone resolution rejection, got %v", err)
	}

	for i, m := range esc.Milestones {
		if m.Flags.Disputed || m.Flags.Released || m.Flags.Resolved {
			t.Fatalf("milestone %d flags mutated: %+v", i, m.Flags)
		}
	}
}

func TestDisputeLifecycleSingle(t *testing.T) {
	engine, emitter := newTestEngine()
	esc := deployedSingle(t)

	if err := engine.StartDispute(esc, esc.Roles.ServiceProvider, -1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected unfunded dispute rejection, got %v", err)
	}
	if err := engine.Fund(esc, testAddr(0x42), big.NewInt(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := engine.StartDispute(esc, esc.Roles.ServiceProvider, -1); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if esc.DisputeStartedBy != RoleServiceProvider {
		t.Fatalf("startedBy = %q", esc.DisputeStartedBy)
	}
	if err := engine.StartDispute(esc, esc.Roles.Approver, -1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected double dispute rejection, got %v", err)
	}

	// Split must cover the disputed balance exactly.
	if err := engine.ResolveDispute(esc, esc.Roles.DisputeResolver, -1, big.NewInt(40), big.NewInt(59)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected split sum rejection, got %v", err)
	}
	if err := engine.ResolveDispute(esc, esc.Roles.Approver, -1, big.NewInt(40), big.NewInt(60)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected resolver-only rejection, got %v", err)
	}
	if err := engine.ResolveDispute(esc, esc.Roles.DisputeResolver, -1, big.NewInt(40), big.NewInt(60)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if esc.Flags.Disputed || !esc.Flags.Resolved {
		t.Fatalf("flags wrong after resolve: %+v", esc.Flags)
	}
	if esc.Balance.Sign() != 0 {
		t.Fatalf("balance = %s, want 0", esc.Balance)
	}
	if esc.DisputeStartedBy != "" {
		t.Fatalf("startedBy not cleared")
	}

	want := []string{EventTypeEscrowFunded, EventTypeEscrowDisputed, EventTypeEscrowResolved}
	got := emitter.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestDisputeMilestone(t *testing.T) {
	engine, _ := newTestEngine()
	esc := deployedMulti(t)

	if err := engine.Fund(esc, testAddr(0x42), big.NewInt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := engine.StartDispute(esc, esc.Roles.Approver, 0); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if esc.Milestones[0].DisputeStartedBy != RoleApprover {
		t.Fatalf("startedBy = %q", esc.Milestones[0].DisputeStartedBy)
	}
	if err := engine.ApproveMilestone(esc, esc.Roles.Approver, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected dispute to block approval, got %v", err)
	}
	if err := engine.ResolveDispute(esc, esc.Roles.DisputeResolver, 0, big.NewInt(150), big.NewInt(250)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if esc.Balance.Int64() != 600 {
		t.Fatalf("balance = %s, want 600", esc.Balance)
	}
	// The untouched milestone is still releasable.
	if err := engine.ApproveMilestone(esc, esc.Roles.Approver, 1); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.Release(esc, esc.Roles.ReleaseSigner, 1); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	engine, _ := newTestEngine()
	esc := deployedSingle(t)

	title := "Rebrand"
	if err := engine.Update(esc, esc.Roles.ServiceProvider, UpdatePatch{Title: &title}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected platform-only rejection, got %v", err)
	}
	if err := engine.Update(esc, esc.Roles.Platform, UpdatePatch{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if esc.Title != "Rebrand" {
		t.Fatalf("title = %q", esc.Title)
	}

	// A patch that fails validation must leave the escrow untouched.
	badFee := uint32(MaxPlatformFeeBps)
	if err := engine.Update(esc, esc.Roles.Platform, UpdatePatch{PlatformFeeBps: &badFee}); !errors.Is(err, ErrInvalidEscrow) {
		t.Fatalf("expected fee rejection, got %v", err)
	}
	if esc.PlatformFeeBps != 500 {
		t.Fatalf("fee mutated by failed update: %d", esc.PlatformFeeBps)
	}

	if err := engine.Fund(esc, testAddr(0x42), big.NewInt(1)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := engine.Update(esc, esc.Roles.Platform, UpdatePatch{Title: &title}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected funded escrow to reject edits, got %v", err)
	}
}

func TestUpdateInvalidatesRoleCache(t *testing.T) {
	engine, _ := newTestEngine()
	esc := deployedSingle(t)
	oldApprover := esc.Roles.Approver
	newApprover := testAddr(0x99)

	// Warm the cache.
	if err := engine.ApproveMilestone(esc, oldApprover, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	roles := esc.Roles
	roles.Approver = newApprover
	if err := engine.Update(esc, esc.Roles.Platform, UpdatePatch{Roles: &roles}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := engine.ApproveMilestone(esc, oldApprover, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected stale approver to be rejected, got %v", err)
	}
	if err := engine.ApproveMilestone(esc, newApprover, 1); err != nil {
		t.Fatalf("expected new approver to be accepted, got %v", err)
	}
}

func TestTouchUpdatesTimestamp(t *testing.T) {
	engine, _ := newTestEngine()
	esc := deployedSingle(t)
	if err := engine.Fund(esc, testAddr(0x42), big.NewInt(1)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if esc.UpdatedAt != 1_700_000_000 {
		t.Fatalf("UpdatedAt = %d", esc.UpdatedAt)
	}
}
