package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// paymentContractABI is the subset of the payment contract the engine reads:
// the payOrder entry point and the PaymentReceived event it emits. orderId is
// an indexed string, so the event only carries its keccak256 hash; the
// plaintext has to come from the call data.
const paymentContractABI = `[
  {
    "type": "function",
    "name": "payOrder",
    "stateMutability": "payable",
    "inputs": [
      {"name": "orderId", "type": "string"},
      {"name": "token", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "PaymentReceived",
    "anonymous": false,
    "inputs": [
      {"name": "orderId", "type": "string", "indexed": true},
      {"name": "payer", "type": "address", "indexed": true},
      {"name": "token", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "timestamp", "type": "uint256", "indexed": false}
    ]
  }
]`

var (
	paymentABI = mustParseABI(paymentContractABI)

	payOrderMethod       = paymentABI.Methods["payOrder"]
	paymentReceivedEvent = paymentABI.Events["PaymentReceived"]

	// PaymentReceivedTopic is topic[0] of every PaymentReceived log.
	PaymentReceivedTopic = paymentReceivedEvent.ID
)

var (
	// ErrNotPayOrder is returned when call data does not invoke payOrder.
	ErrNotPayOrder = errors.New("ledger: call data is not a payOrder call")
	// ErrNotPaymentLog is returned when a log is not a PaymentReceived event.
	ErrNotPaymentLog = errors.New("ledger: log is not a PaymentReceived event")
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse payment contract ABI: %v", err))
	}
	return parsed
}

// PayOrderCall holds the decoded arguments of a payOrder transaction.
type PayOrderCall struct {
	OrderRef string
	Token    common.Address
	Amount   *big.Int
}

// DecodePayOrder decodes the arguments of a payOrder call from raw
// transaction input.
func DecodePayOrder(input []byte) (PayOrderCall, error) {
	if len(input) < 4 || !bytes.Equal(input[:4], payOrderMethod.ID) {
		return PayOrderCall{}, ErrNotPayOrder
	}
	args, err := payOrderMethod.Inputs.Unpack(input[4:])
	if err != nil {
		return PayOrderCall{}, fmt.Errorf("ledger: unpack payOrder arguments: %w", err)
	}
	if len(args) != 3 {
		return PayOrderCall{}, fmt.Errorf("ledger: payOrder has %d arguments, want 3", len(args))
	}
	ref, ok1 := args[0].(string)
	token, ok2 := args[1].(common.Address)
	amount, ok3 := args[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return PayOrderCall{}, errors.New("ledger: payOrder arguments have unexpected types")
	}
	return PayOrderCall{OrderRef: ref, Token: token, Amount: amount}, nil
}

// EncodePayOrder builds the call data a checkout client sends to pay for an
// order.
func EncodePayOrder(orderRef string, token common.Address, amount *big.Int) ([]byte, error) {
	return paymentABI.Pack("payOrder", orderRef, token, amount)
}

// PaymentLog is a decoded PaymentReceived event.
type PaymentLog struct {
	OrderRefHash common.Hash
	Payer        common.Address
	Token        common.Address
	Amount       *big.Int
	Timestamp    *big.Int
}

// DecodePaymentLog decodes a PaymentReceived log. Indexed fields come from
// the topics, amount and timestamp from the data section.
func DecodePaymentLog(log types.Log) (PaymentLog, error) {
	if len(log.Topics) == 0 || log.Topics[0] != PaymentReceivedTopic {
		return PaymentLog{}, ErrNotPaymentLog
	}
	if len(log.Topics) != 4 {
		return PaymentLog{}, fmt.Errorf("ledger: PaymentReceived has %d topics, want 4", len(log.Topics))
	}
	vals, err := paymentReceivedEvent.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return PaymentLog{}, fmt.Errorf("ledger: unpack PaymentReceived data: %w", err)
	}
	if len(vals) != 2 {
		return PaymentLog{}, fmt.Errorf("ledger: PaymentReceived data has %d fields, want 2", len(vals))
	}
	amount, ok1 := vals[0].(*big.Int)
	ts, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return PaymentLog{}, errors.New("ledger: PaymentReceived data has unexpected types")
	}
	return PaymentLog{
		OrderRefHash: log.Topics[1],
		Payer:        common.BytesToAddress(log.Topics[2].Bytes()),
		Token:        common.BytesToAddress(log.Topics[3].Bytes()),
		Amount:       amount,
		Timestamp:    ts,
	}, nil
}

// EncodePaymentLog builds the topics and data of a PaymentReceived log as the
// payment contract would emit it.
func EncodePaymentLog(orderRef string, payer, token common.Address, amount, timestamp *big.Int) ([]common.Hash, []byte, error) {
	data, err := paymentReceivedEvent.Inputs.NonIndexed().Pack(amount, timestamp)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: pack PaymentReceived data: %w", err)
	}
	topics := []common.Hash{
		PaymentReceivedTopic,
		OrderRefHash(orderRef),
		common.BytesToHash(payer.Bytes()),
		common.BytesToHash(token.Bytes()),
	}
	return topics, data, nil
}

// OrderRefHash is the value an indexed string orderId takes in a log topic.
func OrderRefHash(orderRef string) common.Hash {
	return crypto.Keccak256Hash([]byte(orderRef))
}
