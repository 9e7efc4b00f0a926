// Package actions implements the escrow mutations the dashboard exposes.
// Every action follows the same shape: check configuration, validate the
// transition locally, commit through the pipeline, then apply the optimistic
// store update and invalidate the escrow list cache so reads reconcile with
// ground truth.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tomassalina/koopay/escrow"
	"github.com/tomassalina/koopay/ledger"
	"github.com/tomassalina/koopay/pipeline"
	"github.com/tomassalina/koopay/store"
)

// ErrBusy is returned when an action is already in flight. The dashboard
// disables the triggering control while a commit is pending; this latch is
// the backstop against duplicate submissions.
var ErrBusy = errors.New("actions: another action is in progress")

// CacheInvalidator drops cached query results for a scope after a
// successful mutation.
type CacheInvalidator interface {
	Invalidate(scope string)
}

// CacheScopeEscrows keys every cached escrow list result.
const CacheScopeEscrows = "escrows"

// Notification is the uniform user-visible outcome of an action.
type Notification struct {
	ID      uuid.UUID
	Action  ledger.Action
	Success bool
	Code    string
	Message string
}

// Notifier receives one notification per finished action.
type Notifier interface {
	Notify(Notification)
}

type noopNotifier struct{}

func (noopNotifier) Notify(Notification) {}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string) {}

// Config carries the platform-side settings actions depend on.
type Config struct {
	// PlatformAddress is the wallet collecting the platform fee. Required
	// before any deploy.
	PlatformAddress string
}

// Service wires the escrow engine, the commit pipeline and the escrow store
// into one mutation surface.
type Service struct {
	cfg      Config
	engine   *escrow.Engine
	probe    *escrow.Engine
	pipe     *pipeline.Pipeline
	store    *store.EscrowStore
	cache    CacheInvalidator
	notifier Notifier
	logger   *slog.Logger

	// submitting is the isSubmitting latch: at most one mutation in flight.
	submitting sync.Mutex
}

// New constructs the action service. Engine, pipeline and store are
// required; cache and notifier default to no-ops.
func New(cfg Config, engine *escrow.Engine, pipe *pipeline.Pipeline, st *store.EscrowStore, cache CacheInvalidator, notifier Notifier, logger *slog.Logger) (*Service, error) {
	if engine == nil {
		return nil, errors.New("actions: engine required")
	}
	if pipe == nil {
		return nil, errors.New("actions: pipeline required")
	}
	if st == nil {
		return nil, errors.New("actions: store required")
	}
	if cache == nil {
		cache = noopInvalidator{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	probe := escrow.NewEngine()
	return &Service{
		cfg:      cfg,
		engine:   engine,
		probe:    probe,
		pipe:     pipe,
		store:    st,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
	}, nil
}

func (s *Service) acquire() error {
	if !s.submitting.TryLock() {
		return ErrBusy
	}
	return nil
}

func (s *Service) finish(action ledger.Action, err error) error {
	n := Notification{ID: uuid.New(), Action: action, Success: err == nil}
	if err != nil {
		n.Code = string(pipeline.ClassifyKind(err))
		n.Message = err.Error()
	} else {
		n.Message = fmt.Sprintf("%s confirmed", action)
	}
	s.notifier.Notify(n)
	return err
}

// invalidate is best-effort side work: a failure to refresh derived caches
// is logged but never fails the primary action.
func (s *Service) invalidate() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("cache invalidation panicked", "recover", r)
		}
	}()
	s.cache.Invalidate(CacheScopeEscrows)
}

// Current returns a deep copy of the stored escrow.
func (s *Service) Current() (*escrow.Escrow, error) {
	return s.current()
}

func (s *Service) current() (*escrow.Escrow, error) {
	esc, err := s.store.Current()
	if err != nil {
		return nil, pipeline.NewConfigurationError("no escrow selected")
	}
	return esc, nil
}

// Deploy sanitises the draft, commits the deployment and stores the escrow
// with the contract id the ledger assigned.
func (s *Service) Deploy(ctx context.Context, draft *escrow.Escrow, actor string) (*escrow.Escrow, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.submitting.Unlock()

	esc, err := s.deploy(ctx, draft, actor)
	return esc, s.finish(ledger.ActionDeploy, err)
}

func (s *Service) deploy(ctx context.Context, draft *escrow.Escrow, actor string) (*escrow.Escrow, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, pipeline.NewConfigurationError("actor address required")
	}
	if draft == nil {
		return nil, pipeline.NewValidationError(errors.New("nil escrow draft"))
	}
	prepared := draft.Clone()
	if prepared.Roles.Platform == "" {
		if s.cfg.PlatformAddress == "" {
			return nil, pipeline.NewConfigurationError("platform address not configured")
		}
		prepared.Roles.Platform = s.cfg.PlatformAddress
	}
	if prepared.Roles.ServiceProvider == "" || prepared.Roles.Receiver == "" {
		return nil, pipeline.NewConfigurationError("counter-party addresses not configured")
	}
	sanitized, err := escrow.SanitizeEscrow(prepared)
	if err != nil {
		return nil, pipeline.NewValidationError(err)
	}
	if sanitized.ContractID != "" {
		return nil, pipeline.NewValidationError(errors.New("escrow already deployed"))
	}
	req := &ledger.BuildRequest{
		Action:       ledger.ActionDeploy,
		Type:         sanitized.Type,
		ActorAddress: actor,
		Escrow:       sanitized,
	}
	receipt, err := s.pipe.Commit(ctx, req, actor)
	if err != nil {
		return nil, err
	}
	if receipt.ContractID == "" {
		return nil, pipeline.NewValidationError(errors.New("ledger returned no contract id"))
	}
	sanitized.ContractID = receipt.ContractID
	if err := s.store.Set(sanitized); err != nil {
		return nil, err
	}
	s.invalidate()
	return sanitized.Clone(), nil
}

// Update applies a platform edit to the selected escrow.
func (s *Service) Update(ctx context.Context, actor string, patch escrow.UpdatePatch) (*escrow.Escrow, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.submitting.Unlock()

	esc, err := s.mutate(ctx, actor, &ledger.BuildRequest{Action: ledger.ActionUpdate},
		func(draft *escrow.Escrow, eng *escrow.Engine) error {
			return eng.Update(draft, actor, patch)
		})
	return esc, s.finish(ledger.ActionUpdate, err)
}

// Fund deposits amount (a decimal string at the trustline precision) into
// the selected escrow. Any wallet may fund, repeatedly.
func (s *Service) Fund(ctx context.Context, actor, amount string) (*escrow.Escrow, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.submitting.Unlock()

	esc, err := s.fund(ctx, actor, amount)
	return esc, s.finish(ledger.ActionFund, err)
}

func (s *Service) fund(ctx context.Context, actor, amount string) (*escrow.Escrow, error) {
	current, err := s.current()
	if err != nil {
		return nil, err
	}
	parsed, err := escrow.ParseAmount(amount, current.Trustline.Decimals)
	if err != nil {
		return nil, pipeline.NewValidationError(err)
	}
	return s.mutate(ctx, actor, &ledger.BuildRequest{Action: ledger.ActionFund, Amount: amount},
		func(draft *escrow.Escrow, eng *escrow.Engine) error {
			return eng.Fund(draft, actor, parsed)
		})
}

// ChangeMilestoneStatus advances a milestone's workflow label with optional
// evidence.
func (s *Service) ChangeMilestoneStatus(ctx context.Context, actor string, index int, status, evidence string) (*escrow.Escrow, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.submitting.Unlock()

	req := &ledger.BuildRequest{
		Action:         ledger.ActionChangeStatus,
		MilestoneIndex: &index,
		NewStatus:      status,
		Evidence:       evidence,
	}
	esc, err := s.mutate(ctx, actor, req, func(draft *escrow.Escrow, eng *escrow.Engine) error {
		return eng.ChangeMilestoneStatus(draft, actor, index, status, evidence)
	})
	return esc, s.finish(ledger.ActionChangeStatus, err)
}

// ApproveMilestone records the approver's sign-off.
func (s *Service) ApproveMilestone(ctx context.Context, actor string, index int) (*escrow.Escrow, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.submitting.Unlock()

	req := &ledger.BuildRequest{Action: ledger.ActionApprove, MilestoneIndex: &index}
	esc, err := s.mutate(ctx, actor, req, func(draft *escrow.Escrow, eng *escrow.Engine) error {
		return eng.ApproveMilestone(draft, actor, index)
	})
	return esc, s.finish(ledger.ActionApprove, err)
}

// StartDispute contests a unit: pass a milestone index for multi-release
// escrows, a negative index for single-release.
func (s *Service) StartDispute(ctx context.Context, actor string, index int) (*escrow.Escrow, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.submitting.Unlock()

	req := &ledger.BuildRequest{Action: ledger.ActionStartDispute}
	if index >= 0 {
		req.MilestoneIndex = &index
	}
	esc, err := s.mutate(ctx, actor, req, func(draft *escrow.Escrow, eng *escrow.Engine) error {
		return eng.StartDispute(draft, actor, index)
	})
	return esc, s.finish(ledger.ActionStartDispute, err)
}

// ReleaseFunds pays out a unit and returns the fee distribution applied.
func (s *Service) ReleaseFunds(ctx context.Context, actor string, index int) (escrow.Distribution, error) {
	if err := s.acquire(); err != nil {
		return escrow.Distribution{}, err
	}
	defer s.submitting.Unlock()

	var dist escrow.Distribution
	req := &ledger.BuildRequest{Action: ledger.ActionRelease}
	if index >= 0 {
		req.MilestoneIndex = &index
	}
	_, err := s.mutate(ctx, actor, req, func(draft *escrow.Escrow, eng *escrow.Engine) error {
		d, rerr := eng.Release(draft, actor, index)
		if rerr != nil {
			return rerr
		}
		dist = d
		return nil
	})
	return dist, s.finish(ledger.ActionRelease, err)
}

// ResolveDispute settles a disputed unit with the resolver's split. The
// split must sum to the disputed amount exactly.
func (s *Service) ResolveDispute(ctx context.Context, actor string, index int, approverFunds, receiverFunds string) (*escrow.Escrow, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.submitting.Unlock()

	esc, err := s.resolveDispute(ctx, actor, index, approverFunds, receiverFunds)
	return esc, s.finish(ledger.ActionResolveDispute, err)
}

func (s *Service) resolveDispute(ctx context.Context, actor string, index int, approverFunds, receiverFunds string) (*escrow.Escrow, error) {
	current, err := s.current()
	if err != nil {
		return nil, err
	}
	approver, err := escrow.ParseAmount(approverFunds, current.Trustline.Decimals)
	if err != nil {
		return nil, pipeline.NewValidationError(err)
	}
	receiver, err := escrow.ParseAmount(receiverFunds, current.Trustline.Decimals)
	if err != nil {
		return nil, pipeline.NewValidationError(err)
	}
	req := &ledger.BuildRequest{
		Action:        ledger.ActionResolveDispute,
		ApproverFunds: approverFunds,
		ReceiverFunds: receiverFunds,
	}
	if index >= 0 {
		req.MilestoneIndex = &index
	}
	return s.mutate(ctx, actor, req, func(draft *escrow.Escrow, eng *escrow.Engine) error {
		return eng.ResolveDispute(draft, actor, index, approver, receiver)
	})
}

// mutate is the shared action skeleton: probe the transition on a clone so
// invalid requests never reach the pipeline, commit, then apply the same
// transition to the stored escrow. The store stays untouched on any
// failure.
func (s *Service) mutate(ctx context.Context, actor string, req *ledger.BuildRequest, transition func(*escrow.Escrow, *escrow.Engine) error) (*escrow.Escrow, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, pipeline.NewConfigurationError("actor address required")
	}
	current, err := s.current()
	if err != nil {
		return nil, err
	}
	if current.ContractID == "" {
		return nil, pipeline.NewValidationError(errors.New("escrow not deployed"))
	}
	preview := current.Clone()
	if err := transition(preview, s.probe); err != nil {
		return nil, pipeline.NewValidationError(err)
	}
	req.Type = current.Type
	req.ContractID = current.ContractID
	req.ActorAddress = actor
	if req.Action == ledger.ActionUpdate {
		// Update carries the full post-edit shape to the engine.
		req.Escrow = preview
	}
	if _, err := s.pipe.Commit(ctx, req, actor); err != nil {
		return nil, err
	}
	updated, err := s.store.Mutate(func(esc *escrow.Escrow) error {
		return transition(esc, s.engine)
	})
	if err != nil {
		// The ledger confirmed but the optimistic update failed; the next
		// query-engine refetch reconciles with ground truth.
		s.logger.Error("optimistic update failed after confirmed commit", "action", req.Action, "err", err)
		s.invalidate()
		return nil, err
	}
	s.invalidate()
	return updated, nil
}

// Balance is a convenience read used by dashboards to show the custodied
// amount without re-fetching the indexer.
func (s *Service) Balance() (*big.Int, error) {
	esc, err := s.store.Current()
	if err != nil {
		return nil, err
	}
	if esc.Balance == nil {
		return big.NewInt(0), nil
	}
	return esc.Balance, nil
}
