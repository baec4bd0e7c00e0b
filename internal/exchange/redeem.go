// redeem.go claims winnings for resolved positions by calling the
// conditional-tokens contract on Polygon. Redemption is an on-chain
// transaction, not a CLOB call: the standard path is
// ConditionalTokens.redeemPositions, neg-risk markets go through the
// adapter's redeemPositions(bytes32,uint256[]) instead.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"polycopy/internal/config"
)

// Polygon mainnet settlement contracts.
const (
	usdcAddress           = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	ctfAddress            = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	negRiskAdapterAddress = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"
)

const redeemGasFallback = 300_000

// Redeemer submits redemption transactions for resolved positions.
type Redeemer struct {
	eth    *ethclient.Client
	auth   *Auth
	dryRun bool
	logger *slog.Logger
}

// NewRedeemer dials the Polygon RPC endpoint. In dry-run mode no connection
// is made and Redeem only logs.
func NewRedeemer(cfg config.Config, auth *Auth, logger *slog.Logger) (*Redeemer, error) {
	r := &Redeemer{
		auth:   auth,
		dryRun: cfg.Risk.DryRun,
		logger: logger.With("component", "redeemer"),
	}
	if r.dryRun {
		return r, nil
	}
	if cfg.API.RPCURL == "" {
		return nil, fmt.Errorf("api.rpc_url is required for auto-redeem")
	}
	eth, err := ethclient.Dial(cfg.API.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	r.eth = eth
	return r, nil
}

// Close releases the RPC connection.
func (r *Redeemer) Close() {
	if r.eth != nil {
		r.eth.Close()
	}
}

// Redeem claims winnings for one resolved condition. For neg-risk markets
// the amounts slice carries the 6-decimal token amounts per outcome index;
// the standard path redeems both index sets in full and ignores it.
func (r *Redeemer) Redeem(ctx context.Context, conditionID string, negRisk bool, amounts []*big.Int) (string, error) {
	if r.dryRun {
		r.logger.Info("DRY-RUN: would redeem position",
			"condition", conditionID,
			"neg_risk", negRisk,
		)
		return fmt.Sprintf("DRY_RUN_REDEEM_%s", conditionID), nil
	}

	var (
		to   common.Address
		data []byte
	)
	if negRisk {
		to = common.HexToAddress(negRiskAdapterAddress)
		data = packNegRiskRedeem(common.HexToHash(conditionID), amounts)
	} else {
		to = common.HexToAddress(ctfAddress)
		data = packCTFRedeem(
			common.HexToAddress(usdcAddress),
			common.HexToHash(conditionID),
			[]*big.Int{big.NewInt(1), big.NewInt(2)},
		)
	}

	from := r.auth.Address()
	nonce, err := r.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := r.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := r.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		gasLimit = redeemGasFallback
	}

	tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(r.auth.ChainID()), r.auth.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := r.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}

	hash := signed.Hash().Hex()
	r.logger.Info("redemption submitted", "condition", conditionID, "tx", hash)
	return hash, nil
}

// packCTFRedeem encodes
// redeemPositions(address,bytes32,bytes32,uint256[]) with an empty parent
// collection.
func packCTFRedeem(collateral common.Address, conditionID common.Hash, indexSets []*big.Int) []byte {
	selector := crypto.Keccak256([]byte("redeemPositions(address,bytes32,bytes32,uint256[])"))[:4]

	data := make([]byte, 0, 4+32*(5+len(indexSets)))
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(collateral.Bytes(), 32)...)
	data = append(data, make([]byte, 32)...) // parentCollectionId = 0x0
	data = append(data, conditionID.Bytes()...)
	data = append(data, common.LeftPadBytes(big.NewInt(4*32).Bytes(), 32)...) // dynamic offset
	data = append(data, common.LeftPadBytes(big.NewInt(int64(len(indexSets))).Bytes(), 32)...)
	for _, s := range indexSets {
		data = append(data, common.LeftPadBytes(s.Bytes(), 32)...)
	}
	return data
}

// packNegRiskRedeem encodes redeemPositions(bytes32,uint256[]) for the
// neg-risk adapter.
func packNegRiskRedeem(conditionID common.Hash, amounts []*big.Int) []byte {
	selector := crypto.Keccak256([]byte("redeemPositions(bytes32,uint256[])"))[:4]

	data := make([]byte, 0, 4+32*(3+len(amounts)))
	data = append(data, selector...)
	data = append(data, conditionID.Bytes()...)
	data = append(data, common.LeftPadBytes(big.NewInt(2*32).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(int64(len(amounts))).Bytes(), 32)...)
	for _, a := range amounts {
		data = append(data, common.LeftPadBytes(a.Bytes(), 32)...)
	}
	return data
}
