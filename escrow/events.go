package escrow

import (
	"strconv"
)

const (
	EventTypeEscrowDeployed        = "escrow.deployed"
	EventTypeEscrowUpdated         = "escrow.updated"
	EventTypeEscrowFunded          = "escrow.funded"
	EventTypeMilestoneStatusChange = "escrow.milestone.status_changed"
	EventTypeMilestoneApproved     = "escrow.milestone.approved"
	EventTypeEscrowReleased        = "escrow.released"
	EventTypeEscrowDisputed        = "escrow.disputed"
	EventTypeEscrowResolved        = "escrow.resolved"
)

// Event is the canonical payload emitted after every successful transition.
// Attributes are flat strings so downstream consumers (webhook queue, audit
// log) can serialise them without knowing the escrow shape.
type Event struct {
	Type       string            `json:"type"`
	ContractID string            `json:"contractId"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Emitter receives events produced by the engine.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

func newEscrowEvent(eventType string, e *Escrow) Event {
	evt := Event{Type: eventType, Attributes: map[string]string{}}
	if e == nil {
		return evt
	}
	evt.ContractID = e.ContractID
	evt.Attributes["engagementId"] = e.EngagementID
	evt.Attributes["type"] = string(e.Type)
	if e.Balance != nil {
		evt.Attributes["balance"] = e.Balance.String()
	}
	return evt
}

func newMilestoneEvent(eventType string, e *Escrow, index int) Event {
	evt := newEscrowEvent(eventType, e)
	evt.Attributes["milestoneIndex"] = strconv.Itoa(index)
	if m, err := e.Milestone(index); err == nil {
		evt.Attributes["status"] = m.Status
	}
	return evt
}

// NewDeployedEvent returns the canonical payload for a freshly deployed
// escrow contract.
func NewDeployedEvent(e *Escrow) Event { return newEscrowEvent(EventTypeEscrowDeployed, e) }

// NewUpdatedEvent returns the payload emitted after a platform edit.
func NewUpdatedEvent(e *Escrow) Event { return newEscrowEvent(EventTypeEscrowUpdated, e) }

// NewFundedEvent returns the payload emitted when funds are deposited.
func NewFundedEvent(e *Escrow, amount string) Event {
	evt := newEscrowEvent(EventTypeEscrowFunded, e)
	evt.Attributes["amount"] = amount
	return evt
}

// NewMilestoneStatusEvent returns the payload for a service-provider status
// change.
func NewMilestoneStatusEvent(e *Escrow, index int) Event {
	return newMilestoneEvent(EventTypeMilestoneStatusChange, e, index)
}

// NewMilestoneApprovedEvent returns the payload for an approver sign-off.
func NewMilestoneApprovedEvent(e *Escrow, index int) Event {
	return newMilestoneEvent(EventTypeMilestoneApproved, e, index)
}

// NewReleasedEvent returns the payload for a payout, carrying the fee split.
func NewReleasedEvent(e *Escrow, index int, dist Distribution) Event {
	evt := newEscrowEvent(EventTypeEscrowReleased, e)
	if index >= 0 {
		evt.Attributes["milestoneIndex"] = strconv.Itoa(index)
	}
	evt.Attributes["receiverAmount"] = dist.ReceiverAmount.String()
	evt.Attributes["platformFeeAmount"] = dist.PlatformFeeAmount.String()
	evt.Attributes["protocolFeeAmount"] = dist.ProtocolFeeAmount.String()
	return evt
}

// NewDisputedEvent returns the payload emitted when a dispute is raised.
func NewDisputedEvent(e *Escrow, index int, startedBy Role) Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e)
	if index >= 0 {
		evt.Attributes["milestoneIndex"] = strconv.Itoa(index)
	}
	evt.Attributes["startedBy"] = string(startedBy)
	return evt
}

// NewResolvedEvent returns the payload emitted when a dispute resolver
// splits the disputed funds.
func NewResolvedEvent(e *Escrow, index int, approverFunds, receiverFunds string) Event {
	evt := newEscrowEvent(EventTypeEscrowResolved, e)
	if index >= 0 {
		evt.Attributes["milestoneIndex"] = strconv.Itoa(index)
	}
	evt.Attributes["approverFunds"] = approverFunds
	evt.Attributes["receiverFunds"] = receiverFunds
	return evt
}
