package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/tomassalina/koopay/escrow"
)

// Action names the escrow mutation being committed.
type Action string

const (
	ActionDeploy         Action = "deploy"
	ActionUpdate         Action = "update"
	ActionFund           Action = "fund"
	ActionChangeStatus   Action = "change-milestone-status"
	ActionApprove        Action = "approve-milestone"
	ActionStartDispute   Action = "start-dispute"
	ActionRelease        Action = "release-funds"
	ActionResolveDispute Action = "resolve-dispute"
)

// BuildRequest is the payload the engine turns into an unsigned transaction.
// Deploy and update carry the full escrow shape; the remaining actions carry
// the contract id, the acting wallet and action-specific parameters.
type BuildRequest struct {
	Action         Action          `json:"action"`
	Type           escrow.Type     `json:"type"`
	ContractID     string          `json:"contractId,omitempty"`
	ActorAddress   string          `json:"actorAddress"`
	Escrow         *escrow.Escrow  `json:"escrow,omitempty"`
	Amount         string          `json:"amount,omitempty"`
	MilestoneIndex *int            `json:"milestoneIndex,omitempty"`
	NewStatus      string          `json:"newStatus,omitempty"`
	Evidence       string          `json:"evidence,omitempty"`
	ApproverFunds  string          `json:"approverFunds,omitempty"`
	ReceiverFunds  string          `json:"receiverFunds,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

type buildResult struct {
	UnsignedTransaction string `json:"unsignedTransaction"`
}

// SubmitResult mirrors the engine response after a broadcast. Status must be
// SUCCESS for the commit to count.
type SubmitResult struct {
	Status     string `json:"status"`
	ContractID string `json:"contractId,omitempty"`
	TxHash     string `json:"txHash,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Succeeded reports whether the ledger accepted the transaction.
func (r *SubmitResult) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// QueryRequest carries the flat filter set the indexer understands. Absent
// fields fall back to indexer defaults; pagination is forward-only.
type QueryRequest struct {
	Address         string `json:"address"`
	Role            string `json:"role,omitempty"`
	Page            int    `json:"page"`
	Limit           int    `json:"limit,omitempty"`
	OrderBy         string `json:"orderBy,omitempty"`
	OrderDirection  string `json:"orderDirection,omitempty"`
	Title           string `json:"title,omitempty"`
	EngagementID    string `json:"engagementId,omitempty"`
	IsActive        bool   `json:"isActive"`
	ValidateOnChain bool   `json:"validateOnChain"`
	Type            string `json:"type,omitempty"`
	Status          string `json:"status,omitempty"`
	MinAmount       string `json:"minAmount,omitempty"`
	MaxAmount       string `json:"maxAmount,omitempty"`
	StartDate       string `json:"startDate,omitempty"`
	EndDate         string `json:"endDate,omitempty"`
}

// MilestoneRecord mirrors one milestone row returned by the indexer.
type MilestoneRecord struct {
	Description      string       `json:"description"`
	Amount           string       `json:"amount,omitempty"`
	Status           string       `json:"status"`
	Evidence         string       `json:"evidence,omitempty"`
	Flags            escrow.Flags `json:"flags"`
	DisputeStartedBy string       `json:"disputeStartedBy,omitempty"`
}

// EscrowRecord mirrors the JSON returned by the indexer for list queries.
// Amounts are decimal strings at the trustline precision.
type EscrowRecord struct {
	ContractID     string            `json:"contractId"`
	Type           escrow.Type       `json:"type"`
	EngagementID   string            `json:"engagementId"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Roles          escrow.Roles      `json:"roles"`
	Trustline      escrow.Trustline  `json:"trustline"`
	PlatformFeeBps uint32            `json:"platformFeeBps"`
	Amount         string            `json:"amount,omitempty"`
	Balance        string            `json:"balance"`
	Milestones     []MilestoneRecord `json:"milestones"`
	Flags          escrow.Flags      `json:"flags"`
	CreatedAt      int64             `json:"createdAt"`
	UpdatedAt      int64             `json:"updatedAt"`
}

// ToEscrow converts the wire record into the domain shape, parsing decimal
// amounts at the record's trustline precision.
func (r *EscrowRecord) ToEscrow() (*escrow.Escrow, error) {
	if r == nil {
		return nil, fmt.Errorf("ledger: nil record")
	}
	esc := &escrow.Escrow{
		ContractID:     r.ContractID,
		Type:           r.Type,
		EngagementID:   r.EngagementID,
		Title:          r.Title,
		Description:    r.Description,
		Roles:          r.Roles,
		Trustline:      r.Trustline,
		PlatformFeeBps: r.PlatformFeeBps,
		Flags:          r.Flags,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Balance:        big.NewInt(0),
	}
	var err error
	if r.Amount != "" {
		if esc.Amount, err = escrow.ParseAmount(r.Amount, r.Trustline.Decimals); err != nil {
			return nil, fmt.Errorf("ledger: record amount: %w", err)
		}
	}
	if r.Balance != "" {
		if esc.Balance, err = escrow.ParseAmount(r.Balance, r.Trustline.Decimals); err != nil {
			return nil, fmt.Errorf("ledger: record balance: %w", err)
		}
	}
	for i, m := range r.Milestones {
		ms := &escrow.Milestone{
			Description:      m.Description,
			Status:           m.Status,
			Evidence:         m.Evidence,
			Flags:            m.Flags,
			DisputeStartedBy: escrow.Role(m.DisputeStartedBy),
		}
		if m.Amount != "" {
			if ms.Amount, err = escrow.ParseAmount(m.Amount, r.Trustline.Decimals); err != nil {
				return nil, fmt.Errorf("ledger: milestone %d amount: %w", i, err)
			}
		}
		esc.Milestones = append(esc.Milestones, ms)
	}
	return esc, nil
}
