package exchange

import (
	"math"
	"math/big"
	"strings"
	"testing"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// well-known anvil test key, never funded on mainnet
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const testKeyAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func testAuth(t *testing.T) *Auth {
	t.Helper()
	cfg := config.Config{}
	cfg.Wallet.PrivateKey = testKey
	cfg.Wallet.ChainID = 137
	cfg.API.ApiKey = "key"
	cfg.API.Secret = "c2VjcmV0LXNlY3JldC1zZWNyZXQ=" // base64 "secret-secret-secret"
	cfg.API.Passphrase = "pass"

	a, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return a
}

func TestNewAuthDerivesAddress(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	if a.Address().Hex() != testKeyAddress {
		t.Errorf("address = %s, want %s", a.Address().Hex(), testKeyAddress)
	}
	// No funder configured: funder defaults to the signer.
	if a.FunderAddress() != a.Address() {
		t.Error("funder should default to the signer address")
	}
}

func TestL2HeadersComplete(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	headers, err := a.L2Headers("POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	for _, k := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if headers[k] == "" {
			t.Errorf("header %s missing", k)
		}
	}
}

func TestHMACDeterministic(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	s1, err := a.buildHMAC("1700000000", "POST", "/order", "body")
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	s2, _ := a.buildHMAC("1700000000", "POST", "/order", "body")
	if s1 != s2 {
		t.Error("same input should produce the same HMAC")
	}
	s3, _ := a.buildHMAC("1700000001", "POST", "/order", "body")
	if s1 == s3 {
		t.Error("different timestamps must change the HMAC")
	}
}

func TestSignOrder(t *testing.T) {
	t.Parallel()
	a := testAuth(t)

	order := signedOrder{
		Salt:          "12345",
		Maker:         a.FunderAddress().Hex(),
		Signer:        a.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       "7132104567925221259462638553270691275033272857194",
		MakerAmount:   big.NewInt(5_000_000),
		TakerAmount:   big.NewInt(10_000_000),
		Side:          string(types.BUY),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: SigEOA,
	}
	if err := a.SignOrder(&order, false); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if !strings.HasPrefix(order.Signature, "0x") || len(order.Signature) != 2+65*2 {
		t.Errorf("signature = %q, want 65-byte 0x hex", order.Signature)
	}

	// The neg-risk exchange is a different verifying contract, so the
	// signature must differ.
	negOrder := order
	negOrder.Signature = ""
	if err := a.SignOrder(&negOrder, true); err != nil {
		t.Fatalf("SignOrder neg-risk: %v", err)
	}
	if negOrder.Signature == order.Signature {
		t.Error("neg-risk order should sign against a different domain")
	}
}

func TestRoundDown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		val      float64
		decimals int
		want     float64
	}{
		{"truncate 2 decimals", 1.2345, 2, 1.23},
		{"truncate 4 decimals", 0.55559, 4, 0.5555},
		{"exact value unchanged", 0.55, 2, 0.55},
		{"zero", 0.0, 2, 0.0},
		{"whole number", 5.0, 2, 5.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := roundDown(tt.val, tt.decimals)
			if math.Abs(got-tt.want) > 1e-10 {
				t.Errorf("roundDown(%v, %d) = %v, want %v", tt.val, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		price   float64
		size    float64
		side    types.Side
		wantMkr int64
		wantTkr int64
	}{
		{"BUY at 0.50 size 100", 0.50, 100, types.BUY, 50_000_000, 100_000_000},
		{"SELL at 0.50 size 100", 0.50, 100, types.SELL, 100_000_000, 50_000_000},
		{"BUY at 0.75 size 10", 0.75, 10, types.BUY, 7_500_000, 10_000_000},
		{"BUY fractional size truncates", 0.25, 4.446, types.BUY, 1_110_000, 4_440_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := PriceToAmounts(tt.price, tt.size, tt.side, Tick001)
			if mkr.Int64() != tt.wantMkr {
				t.Errorf("makerAmount = %d, want %d", mkr.Int64(), tt.wantMkr)
			}
			if tkr.Int64() != tt.wantTkr {
				t.Errorf("takerAmount = %d, want %d", tkr.Int64(), tt.wantTkr)
			}
		})
	}
}
