package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

func (c *Client) ChainHead(ctx context.Context) (*TipSet, error) {
	result, err := c.call(ctx, "Filecoin.ChainHead", nil)
	if err != nil {
		return nil, fmt.Errorf("ChainHead: %w", err)
	}
	if string(result) == "null" {
		return nil, fmt.Errorf("ChainHead: empty result")
	}

	var ts TipSet
	if err := json.Unmarshal(result, &ts); err != nil {
		return nil, fmt.Errorf("unmarshal tipset: %w", err)
	}
	return &ts, nil
}

// MpoolPending lists every pending message at the current head. Filtering by
// sender is left to the caller.
func (c *Client) MpoolPending(ctx context.Context) ([]*SignedMessage, error) {
	result, err := c.call(ctx, "Filecoin.MpoolPending", []interface{}{nil})
	if err != nil {
		return nil, fmt.Errorf("MpoolPending: %w", err)
	}
	if string(result) == "null" {
		return []*SignedMessage{}, nil
	}

	var msgs []*SignedMessage
	if err := json.Unmarshal(result, &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal pending messages: %w", err)
	}
	return msgs, nil
}

func (c *Client) WalletList(ctx context.Context) ([]string, error) {
	result, err := c.call(ctx, "Filecoin.WalletList", nil)
	if err != nil {
		return nil, fmt.Errorf("WalletList: %w", err)
	}
	if string(result) == "null" {
		return []string{}, nil
	}

	var addrs []string
	if err := json.Unmarshal(result, &addrs); err != nil {
		return nil, fmt.Errorf("unmarshal wallet list: %w", err)
	}
	return addrs, nil
}

func (c *Client) GasEstimateMessageGas(ctx context.Context, msg *Message, spec *MessageSendSpec) (*Message, error) {
	result, err := c.call(ctx, "Filecoin.GasEstimateMessageGas", []interface{}{msg, spec, nil})
	if err != nil {
		return nil, fmt.Errorf("GasEstimateMessageGas(%s/%d): %w", msg.From, msg.Nonce, err)
	}

	var out Message
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("unmarshal estimated message: %w", err)
	}
	return &out, nil
}

func (c *Client) WalletSignMessage(ctx context.Context, from string, msg *Message) (*SignedMessage, error) {
	result, err := c.call(ctx, "Filecoin.WalletSignMessage", []interface{}{from, msg})
	if err != nil {
		return nil, fmt.Errorf("WalletSignMessage(%s): %w", from, err)
	}

	var signed SignedMessage
	if err := json.Unmarshal(result, &signed); err != nil {
		return nil, fmt.Errorf("unmarshal signed message: %w", err)
	}
	return &signed, nil
}

func (c *Client) MpoolPush(ctx context.Context, msg *SignedMessage) (Cid, error) {
	result, err := c.call(ctx, "Filecoin.MpoolPush", []interface{}{msg})
	if err != nil {
		return Cid{}, fmt.Errorf("MpoolPush: %w", err)
	}

	var cid Cid
	if err := json.Unmarshal(result, &cid); err != nil {
		return Cid{}, fmt.Errorf("unmarshal message cid: %w", err)
	}
	if cid.Root == "" {
		return Cid{}, fmt.Errorf("MpoolPush: empty cid")
	}
	return cid, nil
}
