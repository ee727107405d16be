package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
)

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// Cid is the IPLD link form Lotus uses for content identifiers.
type Cid struct {
	Root string `json:"/"`
}

func (c Cid) String() string { return c.Root }

// BigInt is an attoFIL amount. Lotus encodes big integers as decimal strings.
type BigInt struct {
	*big.Int
}

func NewBigInt(v int64) BigInt { return BigInt{Int: big.NewInt(v)} }

// Value returns the amount, treating a nil BigInt as zero.
func (b BigInt) Value() *big.Int {
	if b.Int == nil {
		return new(big.Int)
	}
	return b.Int
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Value().String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("big int must be a string: %w", err)
	}
	if s == "" {
		b.Int = new(big.Int)
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid big int %q", s)
	}
	b.Int = v
	return nil
}

// Message is an unsigned Filecoin message.
type Message struct {
	Version    uint64 `json:"Version"`
	To         string `json:"To"`
	From       string `json:"From"`
	Nonce      uint64 `json:"Nonce"`
	Value      BigInt `json:"Value"`
	GasLimit   int64  `json:"GasLimit"`
	GasFeeCap  BigInt `json:"GasFeeCap"`
	GasPremium BigInt `json:"GasPremium"`
	Method     uint64 `json:"Method"`
	Params     []byte `json:"Params"`
}

// Signature is a message signature.
type Signature struct {
	Type byte   `json:"Type"`
	Data []byte `json:"Data"`
}

// SignedMessage is a message with its signature. CID is filled in by the node.
type SignedMessage struct {
	Message   Message   `json:"Message"`
	Signature Signature `json:"Signature"`
	CID       Cid       `json:"CID"`
}

// BlockHeader carries the header fields this daemon reads.
type BlockHeader struct {
	Miner     string `json:"Miner"`
	Height    int64  `json:"Height"`
	Timestamp uint64 `json:"Timestamp"`
}

// TipSet is the chain head as returned by Filecoin.ChainHead.
type TipSet struct {
	Cids   []Cid         `json:"Cids"`
	Blocks []BlockHeader `json:"Blocks"`
	Height int64         `json:"Height"`
}

// MinTimestamp returns the earliest block timestamp in the tipset.
func (ts *TipSet) MinTimestamp() uint64 {
	var lowest uint64
	for i, b := range ts.Blocks {
		if i == 0 || b.Timestamp < lowest {
			lowest = b.Timestamp
		}
	}
	return lowest
}

// MessageSendSpec bounds gas estimation.
type MessageSendSpec struct {
	MaxFee BigInt `json:"MaxFee"`
}
