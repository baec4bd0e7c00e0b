package exchange

import (
	"context"
	"encoding/hex"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"polycopy/internal/config"
)

func TestRedeemDryRun(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Risk.DryRun = true

	r, err := NewRedeemer(cfg, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewRedeemer: %v", err)
	}
	defer r.Close()

	tx, err := r.Redeem(context.Background(), "0xcond1", false, nil)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !strings.HasPrefix(tx, "DRY_RUN_REDEEM_") {
		t.Errorf("tx = %q, want dry-run marker", tx)
	}
}

func TestNewRedeemerRequiresRPCWhenLive(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}

	if _, err := NewRedeemer(cfg, nil, slog.Default()); err == nil {
		t.Error("live redeemer without rpc_url should fail")
	}
}

func TestPackCTFRedeem(t *testing.T) {
	t.Parallel()

	cond := common.HexToHash("0x" + strings.Repeat("ab", 32))
	data := packCTFRedeem(common.HexToAddress(usdcAddress), cond, []*big.Int{big.NewInt(1), big.NewInt(2)})

	// selector + 4 head words + length + 2 elements
	if len(data) != 4+32*7 {
		t.Fatalf("calldata length = %d, want %d", len(data), 4+32*7)
	}

	word := func(i int) []byte { return data[4+32*i : 4+32*(i+1)] }

	if got := common.BytesToAddress(word(0)); got != common.HexToAddress(usdcAddress) {
		t.Errorf("collateral word = %s", got.Hex())
	}
	if !allZero(word(1)) {
		t.Error("parent collection must be the zero hash")
	}
	if common.BytesToHash(word(2)) != cond {
		t.Error("condition ID word mismatch")
	}
	if got := new(big.Int).SetBytes(word(3)).Int64(); got != 4*32 {
		t.Errorf("dynamic offset = %d, want %d", got, 4*32)
	}
	if got := new(big.Int).SetBytes(word(4)).Int64(); got != 2 {
		t.Errorf("array length = %d, want 2", got)
	}
	if new(big.Int).SetBytes(word(5)).Int64() != 1 || new(big.Int).SetBytes(word(6)).Int64() != 2 {
		t.Error("index sets should be [1, 2]")
	}
}

func TestPackNegRiskRedeem(t *testing.T) {
	t.Parallel()

	cond := common.HexToHash("0x" + strings.Repeat("cd", 32))
	amounts := []*big.Int{big.NewInt(5_000_000), big.NewInt(0)}
	data := packNegRiskRedeem(cond, amounts)

	if len(data) != 4+32*5 {
		t.Fatalf("calldata length = %d, want %d", len(data), 4+32*5)
	}
	// Selector differs from the CTF path.
	ctf := packCTFRedeem(common.HexToAddress(usdcAddress), cond, nil)
	if hex.EncodeToString(data[:4]) == hex.EncodeToString(ctf[:4]) {
		t.Error("neg-risk selector should differ from the CTF selector")
	}

	word := func(i int) []byte { return data[4+32*i : 4+32*(i+1)] }
	if common.BytesToHash(word(0)) != cond {
		t.Error("condition ID word mismatch")
	}
	if got := new(big.Int).SetBytes(word(1)).Int64(); got != 2*32 {
		t.Errorf("dynamic offset = %d, want %d", got, 2*32)
	}
	if got := new(big.Int).SetBytes(word(2)).Int64(); got != 2 {
		t.Errorf("array length = %d, want 2", got)
	}
	if new(big.Int).SetBytes(word(3)).Int64() != 5_000_000 {
		t.Error("first amount mismatch")
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
