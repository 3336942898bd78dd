// Package solana settles escrows on Solana through the public JSON-RPC
// surface. It implements the escrow engine's ChainAdapter and the oracle
// AccountFetcher.
package solana

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"acpcore/native/escrow"
)

// Adapter wraps a Solana RPC client.
type Adapter struct {
	client *rpc.Client
}

// New constructs an adapter over the given RPC endpoint.
func New(endpoint string) *Adapter {
	return &Adapter{client: rpc.New(endpoint)}
}

// NewEscrowAccount generates a fresh keypair for an escrow holding account.
// The account materialises on chain when the buyer's deposit lands.
func (a *Adapter) NewEscrowAccount(context.Context) (string, []byte, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return "", nil, fmt.Errorf("solana: generate keypair: %w", err)
	}
	return priv.PublicKey().String(), []byte(priv), nil
}

// Balance returns the holdings of the address, in lamports for native SOL or
// in base units of the mint's associated token account.
func (a *Adapter) Balance(ctx context.Context, address, tokenMint string) (*big.Int, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("solana: bad address %s: %w", address, err)
	}
	if tokenMint == "" {
		out, err := a.client.GetBalance(ctx, owner, rpc.CommitmentFinalized)
		if err != nil {
			return nil, fmt.Errorf("solana: get balance: %w", err)
		}
		return new(big.Int).SetUint64(out.Value), nil
	}
	mint, err := solana.PublicKeyFromBase58(tokenMint)
	if err != nil {
		return nil, fmt.Errorf("solana: bad mint %s: %w", tokenMint, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("solana: derive token account: %w", err)
	}
	out, err := a.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("solana: get token balance: %w", err)
	}
	amount, ok := new(big.Int).SetString(out.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("solana: malformed token amount %q", out.Value.Amount)
	}
	return amount, nil
}

// Transfer moves the amount from the escrow account to the recipient,
// signing with the keypair supplied by the signer callback.
func (a *Adapter) Transfer(ctx context.Context, signer escrow.Signer, from, to string, amount *big.Int, tokenMint string) (string, error) {
	keypair, err := signer(ctx)
	if err != nil {
		return "", fmt.Errorf("solana: resolve signer: %w", err)
	}
	priv := solana.PrivateKey(keypair)
	fromKey, err := solana.PublicKeyFromBase58(from)
	if err != nil {
		return "", fmt.Errorf("solana: bad source %s: %w", from, err)
	}
	if !priv.PublicKey().Equals(fromKey) {
		return "", fmt.Errorf("solana: signer does not own source account %s", from)
	}
	toKey, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("solana: bad recipient %s: %w", to, err)
	}
	lamports, err := amountToUint64(amount)
	if err != nil {
		return "", err
	}

	var instruction solana.Instruction
	if tokenMint == "" {
		instruction = system.NewTransferInstruction(lamports, fromKey, toKey).Build()
	} else {
		mint, err := solana.PublicKeyFromBase58(tokenMint)
		if err != nil {
			return "", fmt.Errorf("solana: bad mint %s: %w", tokenMint, err)
		}
		sourceATA, _, err := solana.FindAssociatedTokenAddress(fromKey, mint)
		if err != nil {
			return "", fmt.Errorf("solana: derive source token account: %w", err)
		}
		destATA, _, err := solana.FindAssociatedTokenAddress(toKey, mint)
		if err != nil {
			return "", fmt.Errorf("solana: derive destination token account: %w", err)
		}
		instruction = token.NewTransferInstruction(lamports, sourceATA, destATA, fromKey, nil).Build()
	}

	recent, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("solana: latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(fromKey),
	)
	if err != nil {
		return "", fmt.Errorf("solana: build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(fromKey) {
			return &priv
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("solana: sign transaction: %w", err)
	}
	sig, err := a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return "", fmt.Errorf("solana: send transaction: %w", err)
	}
	return sig.String(), nil
}

// AccountData returns the raw account bytes for oracle decoding.
func (a *Adapter) AccountData(ctx context.Context, address string) ([]byte, error) {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("solana: bad address %s: %w", address, err)
	}
	out, err := a.client.GetAccountInfo(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("solana: get account info: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("solana: account %s not found", address)
	}
	return out.Value.Data.GetBinary(), nil
}

func amountToUint64(amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, fmt.Errorf("solana: transfer amount must be positive")
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("solana: transfer amount %s overflows uint64", amount)
	}
	return amount.Uint64(), nil
}
