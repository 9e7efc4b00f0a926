// koopayctl is an operator tool for driving escrow actions against the
// ledger directly, signing with a locally held key.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/tomassalina/koopay/escrow"
	"github.com/tomassalina/koopay/ledger"
	"github.com/tomassalina/koopay/pipeline"
	"github.com/tomassalina/koopay/signer"
	"github.com/tomassalina/koopay/wallet"
)

const keyEnv = "KOOPAY_KEY"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "gen-key":
		err = cmdGenKey()
	case "deploy":
		err = cmdDeploy(args)
	case "fund":
		err = cmdAction(args, ledger.ActionFund, actionFlags{amount: true})
	case "status":
		err = cmdAction(args, ledger.ActionChangeStatus, actionFlags{index: true, status: true})
	case "approve":
		err = cmdAction(args, ledger.ActionApprove, actionFlags{index: true})
	case "dispute":
		err = cmdAction(args, ledger.ActionStartDispute, actionFlags{index: true})
	case "release":
		err = cmdAction(args, ledger.ActionRelease, actionFlags{index: true})
	case "resolve":
		err = cmdAction(args, ledger.ActionResolveDispute, actionFlags{index: true, split: true})
	case "list":
		err = cmdList(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "koopayctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: koopayctl <command> [flags]

commands:
  gen-key   generate a new signing key
  deploy    deploy an escrow from a JSON draft
  fund      fund the escrow
  status    change a milestone status
  approve   approve a milestone
  dispute   start a dispute
  release   release funds
  resolve   resolve a dispute with an explicit split
  list      list escrows by role`)
}

func cmdGenKey() error {
	key, err := wallet.GeneratePrivateKey()
	if err != nil {
		return err
	}
	fmt.Printf("address: %s\n", key.PubKey().Address().String())
	fmt.Printf("key:     %s\n", hex.EncodeToString(key.Bytes()))
	return nil
}

// loadSigner reads the signing key from the environment or prompts for it
// on the terminal without echo.
func loadSigner() (*signer.SecretKeySigner, error) {
	keyHex := strings.TrimSpace(os.Getenv(keyEnv))
	if keyHex == "" {
		fmt.Fprint(os.Stderr, "signing key (hex): ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		keyHex = strings.TrimSpace(string(raw))
	}
	return signer.NewSecretKeySignerFromHex(keyHex)
}

func newPipeline(ledgerURL string) (*pipeline.Pipeline, *signer.SecretKeySigner, *ledger.Client, error) {
	client, err := ledger.NewClient(ledgerURL)
	if err != nil {
		return nil, nil, nil, err
	}
	secretSigner, err := loadSigner()
	if err != nil {
		return nil, nil, nil, err
	}
	pipe, err := pipeline.New(client, secretSigner)
	if err != nil {
		return nil, nil, nil, err
	}
	return pipe, secretSigner, client, nil
}

func cmdDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	ledgerURL := fs.String("ledger", "http://127.0.0.1:8545", "ledger RPC endpoint")
	file := fs.String("file", "", "path to the escrow draft JSON")
	fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("deploy: -file required")
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	draft := &escrow.Escrow{}
	if err := json.Unmarshal(raw, draft); err != nil {
		return fmt.Errorf("parse draft: %w", err)
	}
	draft, err = escrow.SanitizeEscrow(draft)
	if err != nil {
		return err
	}
	pipe, secretSigner, _, err := newPipeline(*ledgerURL)
	if err != nil {
		return err
	}
	receipt, err := pipe.Commit(context.Background(), &ledger.BuildRequest{
		Action:       ledger.ActionDeploy,
		Type:         draft.Type,
		ActorAddress: secretSigner.Address(),
		Escrow:       draft,
	}, secretSigner.Address())
	if err != nil {
		return err
	}
	fmt.Printf("contractId: %s\ntxHash: %s\n", receipt.ContractID, receipt.TxHash)
	return nil
}

type actionFlags struct {
	amount bool
	index  bool
	status bool
	split  bool
}

func cmdAction(args []string, action ledger.Action, wants actionFlags) error {
	fs := flag.NewFlagSet(string(action), flag.ExitOnError)
	ledgerURL := fs.String("ledger", "http://127.0.0.1:8545", "ledger RPC endpoint")
	contractID := fs.String("contract", "", "escrow contract id")
	amount := fs.String("amount", "", "amount in minor units")
	index := fs.Int("index", -1, "milestone index (-1 for the escrow itself)")
	status := fs.String("status", "", "new milestone status")
	evidence := fs.String("evidence", "", "supporting evidence URL")
	approverFunds := fs.String("approver-funds", "", "dispute split paid back to the approver")
	receiverFunds := fs.String("receiver-funds", "", "dispute split paid to the receiver")
	fs.Parse(args)

	if *contractID == "" {
		return fmt.Errorf("%s: -contract required", action)
	}
	if wants.amount && *amount == "" {
		return fmt.Errorf("%s: -amount required", action)
	}
	if wants.status && *status == "" {
		return fmt.Errorf("%s: -status required", action)
	}
	if wants.split && (*approverFunds == "" || *receiverFunds == "") {
		return fmt.Errorf("%s: -approver-funds and -receiver-funds required", action)
	}

	pipe, secretSigner, _, err := newPipeline(*ledgerURL)
	if err != nil {
		return err
	}
	req := &ledger.BuildRequest{
		Action:       action,
		ContractID:   *contractID,
		ActorAddress: secretSigner.Address(),
		Amount:       *amount,
		NewStatus:    *status,
		Evidence:     *evidence,
	}
	if wants.index && *index >= 0 {
		req.MilestoneIndex = index
	}
	if wants.split {
		req.ApproverFunds = *approverFunds
		req.ReceiverFunds = *receiverFunds
	}
	receipt, err := pipe.Commit(context.Background(), req, secretSigner.Address())
	if err != nil {
		return err
	}
	fmt.Printf("txHash: %s\n", receipt.TxHash)
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	ledgerURL := fs.String("ledger", "http://127.0.0.1:8545", "ledger RPC endpoint")
	address := fs.String("address", "", "wallet address to query for")
	role := fs.String("role", "approver", "role to query by (or 'signer')")
	fs.Parse(args)
	if *address == "" {
		return fmt.Errorf("list: -address required")
	}
	client, err := ledger.NewClient(*ledgerURL)
	if err != nil {
		return err
	}
	q := &ledger.QueryRequest{Address: *address}
	var records []ledger.EscrowRecord
	if *role == "signer" {
		records, err = client.QueryBySigner(context.Background(), q)
	} else {
		q.Role = *role
		records, err = client.QueryByRole(context.Background(), q)
	}
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
