package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/tomassalina/koopay/ledger"
	"github.com/tomassalina/koopay/signer"
)

type mockEngine struct {
	buildCalls  int
	submitCalls int
	buildErr    error
	submitErr   error
	result      *ledger.SubmitResult
	lastSigned  string
}

func (m *mockEngine) BuildTransaction(ctx context.Context, req *ledger.BuildRequest) (string, error) {
	m.buildCalls++
	if m.buildErr != nil {
		return "", m.buildErr
	}
	return "unsigned-tx", nil
}

func (m *mockEngine) Submit(ctx context.Context, signed string) (*ledger.SubmitResult, error) {
	m.submitCalls++
	m.lastSigned = signed
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	if m.result != nil {
		return m.result, nil
	}
	return &ledger.SubmitResult{Status: ledger.StatusSuccess, ContractID: "C1", TxHash: "0xabc"}, nil
}

func staticSigner(out string) signer.Func {
	return func(ctx context.Context, unsigned, address string) (string, error) {
		return out, nil
	}
}

func testRequest() *ledger.BuildRequest {
	return &ledger.BuildRequest{Action: ledger.ActionFund, ContractID: "C1", ActorAddress: "koo1actor", Amount: "100"}
}

func TestCommitHappyPath(t *testing.T) {
	engine := &mockEngine{}
	pipe, err := New(engine, staticSigner("signed-tx"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	receipt, err := pipe.Commit(context.Background(), testRequest(), "koo1actor")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if receipt.ContractID != "C1" || receipt.TxHash != "0xabc" {
		t.Fatalf("receipt = %+v", receipt)
	}
	if engine.buildCalls != 1 || engine.submitCalls != 1 {
		t.Fatalf("calls = %d/%d", engine.buildCalls, engine.submitCalls)
	}
	if engine.lastSigned != "signed-tx" {
		t.Fatalf("submitted %q, want the signed payload", engine.lastSigned)
	}
}

func TestCommitBuildFailure(t *testing.T) {
	engine := &mockEngine{buildErr: errors.New("bad request")}
	pipe, _ := New(engine, staticSigner("signed"))
	_, err := pipe.Commit(context.Background(), testRequest(), "koo1actor")
	if ClassifyKind(err) != KindBuild {
		t.Fatalf("kind = %s, want %s", ClassifyKind(err), KindBuild)
	}
	if engine.submitCalls != 0 {
		t.Fatalf("broadcast ran after a failed build")
	}
	if !ClassifyKind(err).Retryable() {
		t.Fatalf("build failures must be retryable")
	}
}

func TestCommitSignRejection(t *testing.T) {
	engine := &mockEngine{}
	rejecting := signer.Func(func(ctx context.Context, unsigned, address string) (string, error) {
		return "", signer.ErrCancelled
	})
	pipe, _ := New(engine, rejecting)
	_, err := pipe.Commit(context.Background(), testRequest(), "koo1actor")
	if ClassifyKind(err) != KindSigning {
		t.Fatalf("kind = %s, want %s", ClassifyKind(err), KindSigning)
	}
	if !errors.Is(err, signer.ErrCancelled) {
		t.Fatalf("cancellation cause lost: %v", err)
	}
	// Refusing to sign never reaches the ledger.
	if engine.submitCalls != 0 {
		t.Fatalf("broadcast ran after a rejected signature")
	}
}

func TestCommitSubmitFailure(t *testing.T) {
	engine := &mockEngine{submitErr: errors.New("network down")}
	pipe, _ := New(engine, staticSigner("signed"))
	_, err := pipe.Commit(context.Background(), testRequest(), "koo1actor")
	if ClassifyKind(err) != KindSubmission {
		t.Fatalf("kind = %s, want %s", ClassifyKind(err), KindSubmission)
	}
	if ClassifyKind(err).Retryable() {
		t.Fatalf("submission failures must not be auto-retryable")
	}
}

func TestCommitLedgerRejection(t *testing.T) {
	engine := &mockEngine{result: &ledger.SubmitResult{Status: "FAILED", Message: "insufficient funds"}}
	pipe, _ := New(engine, staticSigner("signed"))
	_, err := pipe.Commit(context.Background(), testRequest(), "koo1actor")
	if ClassifyKind(err) != KindSubmission {
		t.Fatalf("kind = %s, want %s", ClassifyKind(err), KindSubmission)
	}
}

func TestCommitNilRequest(t *testing.T) {
	pipe, _ := New(&mockEngine{}, staticSigner("signed"))
	_, err := pipe.Commit(context.Background(), nil, "koo1actor")
	if ClassifyKind(err) != KindValidation {
		t.Fatalf("kind = %s, want %s", ClassifyKind(err), KindValidation)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(nil, staticSigner("x")); err == nil {
		t.Fatalf("expected error for nil engine")
	}
	if _, err := New(&mockEngine{}, nil); err == nil {
		t.Fatalf("expected error for nil signer")
	}
}
