package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/tomassalina/koopay/wallet"
)

// Type discriminates the two escrow shapes supported by the platform. The
// shape determines which milestone fields are meaningful and which actions
// are legal; callers must switch on it exhaustively instead of probing for
// field presence.
type Type string

const (
	// TypeSingleRelease escrows pay out the whole balance at once; dispute
	// and release flags live on the escrow itself.
	TypeSingleRelease Type = "single-release"
	// TypeMultiRelease escrows carry per-milestone amounts and flags and
	// release milestone by milestone.
	TypeMultiRelease Type = "multi-release"
)

// Valid reports whether the type value is one of the supported shapes.
func (t Type) Valid() bool {
	return t == TypeSingleRelease || t == TypeMultiRelease
}

// Role names a slot in the escrow role map.
type Role string

const (
	RoleApprover        Role = "approver"
	RoleServiceProvider Role = "serviceProvider"
	RolePlatform        Role = "platformAddress"
	RoleReleaseSigner   Role = "releaseSigner"
	RoleDisputeResolver Role = "disputeResolver"
	RoleReceiver        Role = "receiver"
	// RoleSigner is virtual: any wallet that funds the escrow acts as a
	// signer. It never appears in the role map.
	RoleSigner Role = "signer"
)

// ErrInvalidEscrow describes malformed escrow definitions.
var ErrInvalidEscrow = errors.New("escrow: invalid escrow")

// Roles maps the six fixed role slots to wallet addresses. Addresses are
// canonical-form strings and compared case-sensitively.
type Roles struct {
	Approver        string `json:"approver"`
	ServiceProvider string `json:"serviceProvider"`
	Platform        string `json:"platformAddress"`
	ReleaseSigner   string `json:"releaseSigner"`
	DisputeResolver string `json:"disputeResolver"`
	Receiver        string `json:"receiver"`
}

// Slots returns the fixed role slots in declaration order.
func (r Roles) Slots() []struct {
	Role    Role
	Address string
} {
	return []struct {
		Role    Role
		Address string
	}{
		{RoleApprover, r.Approver},
		{RoleServiceProvider, r.ServiceProvider},
		{RolePlatform, r.Platform},
		{RoleReleaseSigner, r.ReleaseSigner},
		{RoleDisputeResolver, r.DisputeResolver},
		{RoleReceiver, r.Receiver},
	}
}

// Validate ensures every role slot resolves to a syntactically valid wallet
// address.
func (r Roles) Validate() error {
	for _, slot := range r.Slots() {
		if !wallet.IsValidAddress(slot.Address) {
			return fmt.Errorf("%w: role %s has invalid address %q", ErrInvalidEscrow, slot.Role, slot.Address)
		}
	}
	return nil
}

// Trustline describes the settlement asset. It is immutable once funding has
// begun.
type Trustline struct {
	Address  string `json:"address"`
	Decimals uint32 `json:"decimals"`
	Name     string `json:"name"`
}

// Validate ensures the trustline fields are sane prior to persistence.
func (t Trustline) Validate() error {
	if strings.TrimSpace(t.Address) == "" {
		return fmt.Errorf("%w: trustline address required", ErrInvalidEscrow)
	}
	if t.Decimals > 18 {
		return fmt.Errorf("%w: trustline decimals out of range: %d", ErrInvalidEscrow, t.Decimals)
	}
	return nil
}

// Flags captures the terminal and dispute markers of a unit (a milestone or,
// for single-release escrows, the escrow itself). Released and Resolved are
// mutually terminal: once either is set the unit accepts no further
// mutation.
type Flags struct {
	Approved bool `json:"approved"`
	Disputed bool `json:"disputed"`
	Released bool `json:"released"`
	Resolved bool `json:"resolved"`
}

// Terminal reports whether the unit has reached a terminal state.
func (f Flags) Terminal() bool {
	return f.Released || f.Resolved
}

// Milestone is one unit of work inside an escrow. For multi-release escrows
// Amount is the per-milestone payout; for single-release escrows Amount is
// nil and release is escrow-wide.
type Milestone struct {
	Description      string   `json:"description"`
	Amount           *big.Int `json:"amount,omitempty"`
	Status           string   `json:"status"`
	Evidence         string   `json:"evidence,omitempty"`
	Flags            Flags    `json:"flags"`
	DisputeStartedBy Role     `json:"disputeStartedBy,omitempty"`
}

// MilestoneStatusPending is the default workflow label for new milestones.
// The status field is otherwise free text owned by the service provider.
const MilestoneStatusPending = "pending"

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	return &clone
}

// Escrow is the central entity: a funded agreement between a platform, a
// service provider and the counter-parties named in the role map. Amounts
// are integers in minor units at the trustline's decimal precision.
type Escrow struct {
	// ContractID is assigned by the ledger on successful deployment and is
	// immutable once set.
	ContractID string `json:"contractId,omitempty"`
	Type       Type   `json:"type"`
	// EngagementID is the caller-supplied idempotency key, unique per
	// escrow and immutable after creation.
	EngagementID string    `json:"engagementId"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Roles        Roles     `json:"roles"`
	Trustline    Trustline `json:"trustline"`
	// PlatformFeeBps is the platform fee in basis points (two-decimal
	// percent). Mutable pre-funding only.
	PlatformFeeBps uint32 `json:"platformFeeBps"`
	// Amount is the total payout for single-release escrows; nil for
	// multi-release, where milestone amounts govern.
	Amount     *big.Int     `json:"amount,omitempty"`
	Milestones []*Milestone `json:"milestones"`
	// Balance is the custodied amount: it only grows on fund and shrinks
	// on release/resolve.
	Balance *big.Int `json:"balance"`
	// Flags apply to the escrow as a whole for single-release escrows.
	Flags            Flags `json:"flags"`
	DisputeStartedBy Role  `json:"disputeStartedBy,omitempty"`
	CreatedAt        int64 `json:"createdAt"`
	UpdatedAt        int64 `json:"updatedAt"`
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	}
	if e.Balance != nil {
		clone.Balance = new(big.Int).Set(e.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	if len(e.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(e.Milestones))
		for i, m := range e.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	return &clone
}

// Milestone returns the milestone at index or an error when out of range.
func (e *Escrow) Milestone(index int) (*Milestone, error) {
	if e == nil || index < 0 || index >= len(e.Milestones) {
		return nil, fmt.Errorf("%w: milestone index %d out of range", ErrInvalidEscrow, index)
	}
	return e.Milestones[index], nil
}

// Funded reports whether any funds have ever been deposited.
func (e *Escrow) Funded() bool {
	return e != nil && e.Balance != nil && e.Balance.Sign() > 0
}

// TotalAmount returns the sum the escrow is expected to custody: the single
// amount for single-release escrows, the milestone sum otherwise.
func (e *Escrow) TotalAmount() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	switch e.Type {
	case TypeSingleRelease:
		return cloneBigInt(e.Amount)
	case TypeMultiRelease:
		total := big.NewInt(0)
		for _, m := range e.Milestones {
			if m != nil && m.Amount != nil {
				total.Add(total, m.Amount)
			}
		}
		return total
	default:
		return big.NewInt(0)
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// SanitizeEscrow validates and normalises the supplied escrow definition,
// returning a cloned instance with non-nil amount fields. The original value
// is not mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil escrow", ErrInvalidEscrow)
	}
	clone := e.Clone()
	if !clone.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEscrow, clone.Type)
	}
	if strings.TrimSpace(clone.EngagementID) == "" {
		return nil, fmt.Errorf("%w: engagement id required", ErrInvalidEscrow)
	}
	if strings.TrimSpace(clone.Title) == "" {
		return nil, fmt.Errorf("%w: title required", ErrInvalidEscrow)
	}
	if err := clone.Roles.Validate(); err != nil {
		return nil, err
	}
	if err := clone.Trustline.Validate(); err != nil {
		return nil, err
	}
	if clone.PlatformFeeBps >= MaxPlatformFeeBps {
		return nil, fmt.Errorf("%w: platform fee must be below %s%%", ErrInvalidEscrow, maxPlatformFeePercent)
	}
	switch clone.Type {
	case TypeSingleRelease:
		if clone.Amount == nil || clone.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidEscrow)
		}
		for i, m := range clone.Milestones {
			if m == nil {
				return nil, fmt.Errorf("%w: milestone %d is nil", ErrInvalidEscrow, i)
			}
			if m.Amount != nil {
				return nil, fmt.Errorf("%w: single-release milestones carry no amount", ErrInvalidEscrow)
			}
			if strings.TrimSpace(m.Description) == "" {
				return nil, fmt.Errorf("%w: milestone %d description required", ErrInvalidEscrow, i)
			}
			if m.Status == "" {
				m.Status = MilestoneStatusPending
			}
		}
	case TypeMultiRelease:
		if len(clone.Milestones) == 0 {
			return nil, fmt.Errorf("%w: at least one milestone required", ErrInvalidEscrow)
		}
		for i, m := range clone.Milestones {
			if m == nil {
				return nil, fmt.Errorf("%w: milestone %d is nil", ErrInvalidEscrow, i)
			}
			if m.Amount == nil || m.Amount.Sign() <= 0 {
				return nil, fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidEscrow, i)
			}
			if strings.TrimSpace(m.Description) == "" {
				return nil, fmt.Errorf("%w: milestone %d description required", ErrInvalidEscrow, i)
			}
			if m.Status == "" {
				m.Status = MilestoneStatusPending
			}
		}
	}
	if clone.Balance == nil {
		clone.Balance = big.NewInt(0)
	}
	if clone.Balance.Sign() < 0 {
		return nil, fmt.Errorf("%w: balance must be non-negative", ErrInvalidEscrow)
	}
	return clone, nil
}
