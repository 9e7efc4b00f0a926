package escrow

import "testing"

func TestResolveRoles(t *testing.T) {
	esc := singleReleaseDraft()
	// One wallet on both sides of the approval flow.
	esc.Roles.ReleaseSigner = esc.Roles.Approver

	set := ResolveRoles(esc, esc.Roles.Approver)
	if !set.Has(RoleApprover) || !set.Has(RoleReleaseSigner) {
		t.Fatalf("expected approver+releaseSigner, got %v", set.Sorted())
	}
	if set.Has(RoleReceiver) {
		t.Fatalf("unexpected receiver role")
	}

	if got := ResolveRoles(esc, testAddr(0x77)); len(got) != 0 {
		t.Fatalf("unknown wallet resolved to %v", got.Sorted())
	}
	if got := ResolveRoles(esc, ""); len(got) != 0 {
		t.Fatalf("empty caller resolved to %v", got.Sorted())
	}
}

func TestRoleCacheSkipsUndeployed(t *testing.T) {
	cache := NewRoleCache()
	esc := singleReleaseDraft()

	set := cache.Resolve(esc, esc.Roles.Approver)
	if !set.Has(RoleApprover) {
		t.Fatalf("expected approver role")
	}
	// Still undeployed: edits must be visible immediately.
	esc.Roles.Approver = testAddr(0x99)
	if cache.Resolve(esc, testAddr(0x99)).Has(RoleApprover) != true {
		t.Fatalf("expected fresh resolution for undeployed escrow")
	}
}

func TestRoleCacheInvalidate(t *testing.T) {
	cache := NewRoleCache()
	esc := singleReleaseDraft()
	esc.ContractID = "C1"
	caller := esc.Roles.Approver

	if !cache.Resolve(esc, caller).Has(RoleApprover) {
		t.Fatalf("expected approver role")
	}
	// Cached: role edits are invisible until invalidation.
	esc.Roles.Approver = testAddr(0x99)
	if !cache.Resolve(esc, caller).Has(RoleApprover) {
		t.Fatalf("expected stale cached role before invalidation")
	}
	cache.Invalidate("C1")
	if cache.Resolve(esc, caller).Has(RoleApprover) {
		t.Fatalf("expected role to drop after invalidation")
	}
}
