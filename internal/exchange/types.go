// types.go holds the wire shapes and enums of the CLOB REST API.
package exchange

import "math/big"

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Each market has a
// fixed tick size that determines the minimum price increment and USDC
// amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01" // standard markets (most common)
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// Float returns the tick size as a float64.
func (t TickSize) Float() float64 {
	switch t {
	case Tick01:
		return 0.1
	case Tick0001:
		return 0.001
	case Tick00001:
		return 0.0001
	default:
		return 0.01
	}
}

// signedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type signedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          string        `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"` // EIP-712 signature hex
}

// orderPayload is the request body for POST /order.
type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType string      `json:"orderType"` // FOK for marketable copies
}

// orderResponse is the CLOB's answer to an order submission.
type orderResponse struct {
	Success       bool     `json:"success"`
	ErrorMsg      string   `json:"errorMsg"`
	OrderID       string   `json:"orderID"`
	Status        string   `json:"status"` // "live", "matched", ...
	TakingAmount  string   `json:"takingAmount"`
	MakingAmount  string   `json:"makingAmount"`
	TransactionsH []string `json:"transactionsHashes"`
}

// tickSizeResponse is returned by GET /tick-size.
type tickSizeResponse struct {
	MinimumTickSize float64 `json:"minimum_tick_size"`
}

// negRiskResponse is returned by GET /neg-risk.
type negRiskResponse struct {
	NegRisk bool `json:"neg_risk"`
}

// balanceResponse is returned by GET /balance-allowance. Balance is in
// 6-decimal USDC units.
type balanceResponse struct {
	Balance string `json:"balance"`
}
