// Package pipeline drives the three-phase commit protocol every mutating
// escrow action funnels through: build an unsigned transaction, sign it,
// broadcast it. Phases run strictly in order; Build never touches the
// ledger, Sign never broadcasts, and only Broadcast has an irreversible
// external effect, so refusing to sign always aborts without side effects.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tomassalina/koopay/ledger"
	"github.com/tomassalina/koopay/signer"
)

// Engine is the subset of the escrow engine client the pipeline needs.
type Engine interface {
	BuildTransaction(ctx context.Context, req *ledger.BuildRequest) (string, error)
	Submit(ctx context.Context, signedXDR string) (*ledger.SubmitResult, error)
}

const (
	defaultBuildTimeout  = 30 * time.Second
	defaultSubmitTimeout = 30 * time.Second
)

// Pipeline executes the commit protocol against one engine endpoint.
type Pipeline struct {
	engine        Engine
	signer        signer.Signer
	buildTimeout  time.Duration
	submitTimeout time.Duration
	logger        *slog.Logger
}

// Option adjusts pipeline behaviour.
type Option func(*Pipeline)

// WithBuildTimeout bounds the Build phase. Zero keeps the default.
func WithBuildTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.buildTimeout = d
		}
	}
}

// WithSubmitTimeout bounds the Broadcast phase. Zero keeps the default.
func WithSubmitTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.submitTimeout = d
		}
	}
}

// WithLogger attaches a structured logger; nil keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New wires a pipeline. Both engine and signer are required.
func New(engine Engine, s signer.Signer, opts ...Option) (*Pipeline, error) {
	if engine == nil {
		return nil, errors.New("pipeline: engine required")
	}
	if s == nil {
		return nil, errors.New("pipeline: signer required")
	}
	p := &Pipeline{
		engine:        engine,
		signer:        s,
		buildTimeout:  defaultBuildTimeout,
		submitTimeout: defaultSubmitTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Receipt reports a confirmed commit.
type Receipt struct {
	ContractID string
	TxHash     string
}

// Commit runs Build, Sign and Broadcast for one action and returns the
// ledger receipt. No phase is retried internally; each failure surfaces
// immediately with its taxonomy kind. Resubmitting after a failure is safe
// as long as the caller-supplied engagement/contract ids are stable.
func (p *Pipeline) Commit(ctx context.Context, req *ledger.BuildRequest, signAs string) (*Receipt, error) {
	if req == nil {
		return nil, NewValidationError(errors.New("nil build request"))
	}
	log := p.logger.With("action", string(req.Action), "contractId", req.ContractID)

	buildCtx, cancelBuild := context.WithTimeout(ctx, p.buildTimeout)
	unsigned, err := p.engine.BuildTransaction(buildCtx, req)
	cancelBuild()
	if err != nil {
		log.Warn("build phase failed", "err", err)
		return nil, newError(KindBuild, "engine could not build the transaction", err)
	}

	// Sign may suspend for unbounded wall-clock time while the user decides;
	// only the caller's context bounds it.
	signed, err := p.signer.Sign(ctx, unsigned, signAs)
	if err != nil {
		if errors.Is(err, signer.ErrCancelled) {
			log.Info("signing cancelled")
		} else {
			log.Warn("sign phase failed", "err", err)
		}
		return nil, newError(KindSigning, "transaction was not signed", err)
	}

	submitCtx, cancelSubmit := context.WithTimeout(ctx, p.submitTimeout)
	result, err := p.engine.Submit(submitCtx, signed)
	cancelSubmit()
	if err != nil {
		log.Warn("broadcast phase failed", "err", err)
		return nil, newError(KindSubmission, "ledger did not confirm the transaction", err)
	}
	if !result.Succeeded() {
		log.Warn("ledger rejected transaction", "status", result.Status, "message", result.Message)
		return nil, newError(KindSubmission, "ledger reported "+result.Status, errors.New(result.Message))
	}
	log.Info("commit confirmed", "txHash", result.TxHash)
	return &Receipt{ContractID: result.ContractID, TxHash: result.TxHash}, nil
}
