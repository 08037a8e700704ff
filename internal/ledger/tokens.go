package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeToken is the token address that denotes the chain's native coin.
var NativeToken = common.Address{}

// Token is one entry of the token table.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals int32
	// Known is false when the address was not in the table and Decimals is
	// the fallback.
	Known bool
}

// Scale converts a fixed-point on-chain amount into a decimal value.
func (t Token) Scale(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -t.Decimals)
}

// TokenTable resolves token addresses to display metadata for one network.
type TokenTable struct {
	tokens   map[common.Address]Token
	fallback int32
}

// NewTokenTable builds a table from address->token entries. Unknown
// addresses resolve with fallbackDecimals.
func NewTokenTable(tokens map[common.Address]Token, fallbackDecimals int32) *TokenTable {
	t := &TokenTable{
		tokens:   make(map[common.Address]Token, len(tokens)),
		fallback: fallbackDecimals,
	}
	for addr, tok := range tokens {
		tok.Address = addr
		tok.Known = true
		t.tokens[addr] = tok
	}
	return t
}

// Lookup returns the table entry for addr, or a fallback entry marked
// unknown.
func (t *TokenTable) Lookup(addr common.Address) Token {
	if tok, ok := t.tokens[addr]; ok {
		return tok
	}
	return Token{Address: addr, Symbol: "UNKNOWN", Decimals: t.fallback}
}

// Native returns the entry for the chain's native coin.
func (t *TokenTable) Native() Token {
	tok := t.Lookup(NativeToken)
	if !tok.Known {
		tok.Symbol = "ETH"
		tok.Decimals = 18
	}
	return tok
}
