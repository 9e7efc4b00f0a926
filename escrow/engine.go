package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	// ErrUnauthorized marks transitions attempted by a wallet that does not
	// hold the required role.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrInvalidTransition marks transitions whose precondition does not
	// hold in the current state.
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	// ErrTerminal marks mutations attempted on a released or resolved unit.
	ErrTerminal = errors.New("escrow: unit is terminal")
)

// Engine applies role-gated state transitions to escrows. It never performs
// I/O: callers run it inside the store's mutate step after the commit
// pipeline has confirmed the on-chain effect.
type Engine struct {
	roles   *RoleCache
	emitter Emitter
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter. Callers can override the
// emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		roles:   NewRoleCache(),
		emitter: NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Roles exposes the engine's memoised role resolver.
func (e *Engine) Roles() *RoleCache { return e.roles }

func (e *Engine) emit(evt Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) touch(esc *Escrow) {
	esc.UpdatedAt = e.now()
}

func (e *Engine) requireRole(esc *Escrow, caller string, roles ...Role) (RoleSet, error) {
	held := e.roles.Resolve(esc, caller)
	for _, role := range roles {
		if held.Has(role) {
			return held, nil
		}
	}
	return nil, fmt.Errorf("%w: requires one of %v", ErrUnauthorized, roles)
}

// unitFlags returns the flag set governing the unit addressed by index:
// the escrow-level flags for single-release (index < 0), the milestone flags
// otherwise. Release, dispute and resolution are escrow-wide for
// single-release escrows; their milestones are checklist items only and
// cannot be addressed here.
func unitFlags(esc *Escrow, index int) (*Flags, error) {
	if index < 0 {
		if esc.Type != TypeSingleRelease {
			return nil, fmt.Errorf("%w: milestone index required for %s escrows", ErrInvalidTransition, esc.Type)
		}
		return &esc.Flags, nil
	}
	if esc.Type == TypeSingleRelease {
		return nil, fmt.Errorf("%w: %s escrows have no per-milestone unit", ErrInvalidTransition, esc.Type)
	}
	m, err := esc.Milestone(index)
	if err != nil {
		return nil, err
	}
	return &m.Flags, nil
}

// Terminal reports whether the escrow as a whole accepts no further funding:
// the escrow flags for single-release, all milestones terminal for
// multi-release.
func Terminal(esc *Escrow) bool {
	if esc == nil {
		return true
	}
	switch esc.Type {
	case TypeSingleRelease:
		return esc.Flags.Terminal()
	case TypeMultiRelease:
		for _, m := range esc.Milestones {
			if m != nil && !m.Flags.Terminal() {
				return false
			}
		}
		return len(esc.Milestones) > 0
	default:
		return true
	}
}

// ChangeMilestoneStatus lets the service provider advance a milestone's
// workflow label and attach evidence. Illegal once the milestone is
// approved, disputed or terminal.
func (e *Engine) ChangeMilestoneStatus(esc *Escrow, caller string, index int, status, evidence string) error {
	if _, err := e.requireRole(esc, caller, RoleServiceProvider); err != nil {
		return err
	}
	m, err := esc.Milestone(index)
	if err != nil {
		return err
	}
	if m.Flags.Terminal() {
		return fmt.Errorf("%w: milestone %d", ErrTerminal, index)
	}
	if m.Flags.Disputed {
		return fmt.Errorf("%w: milestone %d is disputed", ErrInvalidTransition, index)
	}
	if m.Flags.Approved {
		return fmt.Errorf("%w: milestone %d already approved", ErrInvalidTransition, index)
	}
	trimmed := strings.TrimSpace(status)
	if trimmed == "" {
		return fmt.Errorf("%w: status required", ErrInvalidTransition)
	}
	m.Status = trimmed
	if evidence != "" {
		m.Evidence = evidence
	}
	e.touch(esc)
	e.emit(NewMilestoneStatusEvent(esc, index))
	return nil
}

// ApproveMilestone lets the approver sign off a milestone. Illegal while the
// milestone is disputed or after it has reached a terminal state.
func (e *Engine) ApproveMilestone(esc *Escrow, caller string, index int) error {
	if _, err := e.requireRole(esc, caller, RoleApprover); err != nil {
		return err
	}
	m, err := esc.Milestone(index)
	if err != nil {
		return err
	}
	if m.Flags.Terminal() {
		return fmt.Errorf("%w: milestone %d", ErrTerminal, index)
	}
	if m.Flags.Disputed {
		return fmt.Errorf("%w: milestone %d is disputed", ErrInvalidTransition, index)
	}
	m.Flags.Approved = true
	e.touch(esc)
	e.emit(NewMilestoneApprovedEvent(esc, index))
	return nil
}

// Fund credits the escrow balance. Any wallet may fund (the virtual signer
// role), repeatedly, at any non-terminal state.
func (e *Engine) Fund(esc *Escrow, caller string, amount *big.Int) error {
	if esc == nil {
		return fmt.Errorf("%w: nil escrow", ErrInvalidEscrow)
	}
	if caller == "" {
		return fmt.Errorf("%w: signer address required", ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if Terminal(esc) {
		return fmt.Errorf("%w: escrow", ErrTerminal)
	}
	if esc.Balance == nil {
		esc.Balance = big.NewInt(0)
	}
	esc.Balance = new(big.Int).Add(esc.Balance, amount)
	e.touch(esc)
	e.emit(NewFundedEvent(esc, amount.String()))
	return nil
}

// Release pays out a unit: the milestone at index for multi-release escrows,
// the whole balance for single-release (index < 0). Only the release signer
// may invoke it, and only once every required approval is in place. The
// returned distribution is the deterministic fee split for the paid amount.
func (e *Engine) Release(esc *Escrow, caller string, index int) (Distribution, error) {
	if _, err := e.requireRole(esc, caller, RoleReleaseSigner); err != nil {
		return Distribution{}, err
	}
	flags, err := unitFlags(esc, index)
	if err != nil {
		return Distribution{}, err
	}
	if flags.Terminal() {
		return Distribution{}, fmt.Errorf("%w: already released or resolved", ErrTerminal)
	}
	if flags.Disputed {
		return Distribution{}, fmt.Errorf("%w: unit is disputed", ErrInvalidTransition)
	}
	var paid *big.Int
	switch {
	case index < 0:
		for i, m := range esc.Milestones {
			if m != nil && !m.Flags.Approved {
				return Distribution{}, fmt.Errorf("%w: milestone %d not approved", ErrInvalidTransition, i)
			}
		}
		if !esc.Funded() {
			return Distribution{}, fmt.Errorf("%w: nothing to release", ErrInvalidTransition)
		}
		paid = cloneBigInt(esc.Balance)
	default:
		m, merr := esc.Milestone(index)
		if merr != nil {
			return Distribution{}, merr
		}
		if !m.Flags.Approved {
			return Distribution{}, fmt.Errorf("%w: milestone %d not approved", ErrInvalidTransition, index)
		}
		if m.Amount == nil || m.Amount.Sign() <= 0 {
			return Distribution{}, fmt.Errorf("%w: milestone amount must be positive", ErrInvalidAmount)
		}
		if esc.Balance == nil || esc.Balance.Cmp(m.Amount) < 0 {
			return Distribution{}, fmt.Errorf("%w: milestone amount exceeds balance", ErrInvalidTransition)
		}
		paid = cloneBigInt(m.Amount)
	}
	dist, err := ComputeDistribution(paid, esc.PlatformFeeBps)
	if err != nil {
		return Distribution{}, err
	}
	flags.Released = true
	esc.Balance = new(big.Int).Sub(esc.Balance, paid)
	e.touch(esc)
	e.emit(NewReleasedEvent(esc, index, dist))
	return dist, nil
}

// StartDispute contests a unit. Either side of the engagement (approver or
// service provider) may raise it; the initiating role is recorded for the
// resolver.
func (e *Engine) StartDispute(esc *Escrow, caller string, index int) error {
	held, err := e.requireRole(esc, caller, RoleApprover, RoleServiceProvider)
	if err != nil {
		return err
	}
	flags, err := unitFlags(esc, index)
	if err != nil {
		return err
	}
	if flags.Terminal() {
		return fmt.Errorf("%w: cannot dispute", ErrTerminal)
	}
	if flags.Disputed {
		return fmt.Errorf("%w: already disputed", ErrInvalidTransition)
	}
	if index < 0 && !esc.Funded() {
		return fmt.Errorf("%w: cannot dispute an unfunded escrow", ErrInvalidTransition)
	}
	startedBy := RoleApprover
	if !held.Has(RoleApprover) {
		startedBy = RoleServiceProvider
	}
	flags.Disputed = true
	if index < 0 {
		esc.DisputeStartedBy = startedBy
	} else {
		m, _ := esc.Milestone(index)
		m.DisputeStartedBy = startedBy
	}
	e.touch(esc)
	e.emit(NewDisputedEvent(esc, index, startedBy))
	return nil
}

// ResolveDispute settles a disputed unit with a resolver-determined split.
// The split must account for the disputed amount exactly: the milestone
// amount for multi-release units, the whole balance for single-release.
func (e *Engine) ResolveDispute(esc *Escrow, caller string, index int, approverFunds, receiverFunds *big.Int) error {
	if _, err := e.requireRole(esc, caller, RoleDisputeResolver); err != nil {
		return err
	}
	flags, err := unitFlags(esc, index)
	if err != nil {
		return err
	}
	if flags.Resolved {
		return fmt.Errorf("%w: already resolved", ErrTerminal)
	}
	if !flags.Disputed {
		return fmt.Errorf("%w: unit is not disputed", ErrInvalidTransition)
	}
	if approverFunds == nil || approverFunds.Sign() < 0 || receiverFunds == nil || receiverFunds.Sign() < 0 {
		return fmt.Errorf("%w: split amounts must be non-negative", ErrInvalidAmount)
	}
	disputed := cloneBigInt(esc.Balance)
	if index >= 0 {
		m, _ := esc.Milestone(index)
		disputed = cloneBigInt(m.Amount)
		if esc.Balance == nil || esc.Balance.Cmp(disputed) < 0 {
			return fmt.Errorf("%w: disputed amount exceeds balance", ErrInvalidTransition)
		}
	}
	total := new(big.Int).Add(approverFunds, receiverFunds)
	if total.Cmp(disputed) != 0 {
		return fmt.Errorf("%w: split %s does not sum to disputed amount %s", ErrInvalidAmount, total, disputed)
	}
	flags.Resolved = true
	flags.Disputed = false
	if index < 0 {
		esc.DisputeStartedBy = ""
	} else {
		m, _ := esc.Milestone(index)
		m.DisputeStartedBy = ""
	}
	esc.Balance = new(big.Int).Sub(esc.Balance, disputed)
	e.touch(esc)
	e.emit(NewResolvedEvent(esc, index, approverFunds.String(), receiverFunds.String()))
	return nil
}

// UpdatePatch carries the fields the platform may edit while the escrow is
// still unfunded. Nil fields are left unchanged.
type UpdatePatch struct {
	Title          *string
	Description    *string
	Roles          *Roles
	Milestones     []*Milestone
	PlatformFeeBps *uint32
	Amount         *big.Int
}

// Update applies a platform edit. Only the platform address may edit, and
// only while the balance is zero and no unit has reached a terminal or
// disputed state. ContractID, EngagementID and Type are immutable.
func (e *Engine) Update(esc *Escrow, caller string, patch UpdatePatch) error {
	if _, err := e.requireRole(esc, caller, RolePlatform); err != nil {
		return err
	}
	if esc.Funded() {
		return fmt.Errorf("%w: escrow already funded", ErrInvalidTransition)
	}
	if esc.Flags.Terminal() || esc.Flags.Disputed {
		return fmt.Errorf("%w: cannot edit", ErrTerminal)
	}
	for i, m := range esc.Milestones {
		if m != nil && (m.Flags.Terminal() || m.Flags.Disputed) {
			return fmt.Errorf("%w: milestone %d", ErrTerminal, i)
		}
	}
	draft := esc.Clone()
	if patch.Title != nil {
		draft.Title = *patch.Title
	}
	if patch.Description != nil {
		draft.Description = *patch.Description
	}
	if patch.Roles != nil {
		draft.Roles = *patch.Roles
	}
	if patch.Milestones != nil {
		draft.Milestones = patch.Milestones
	}
	if patch.PlatformFeeBps != nil {
		draft.PlatformFeeBps = *patch.PlatformFeeBps
	}
	if patch.Amount != nil {
		draft.Amount = new(big.Int).Set(patch.Amount)
	}
	sanitized, err := SanitizeEscrow(draft)
	if err != nil {
		return err
	}
	*esc = *sanitized
	if patch.Roles != nil && esc.ContractID != "" {
		e.roles.Invalidate(esc.ContractID)
	}
	e.touch(esc)
	e.emit(NewUpdatedEvent(esc))
	return nil
}
