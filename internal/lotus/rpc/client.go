package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/ratelimit"
	"github.com/VOTGroup/lotus-mpool-replace/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// RPCClient is the subset of the Lotus full-node API used by the gateway.
type RPCClient interface {
	ChainHead(ctx context.Context) (*TipSet, error)
	MpoolPending(ctx context.Context) ([]*SignedMessage, error)
	WalletList(ctx context.Context) ([]string, error)
	GasEstimateMessageGas(ctx context.Context, msg *Message, spec *MessageSendSpec) (*Message, error)
	WalletSignMessage(ctx context.Context, from string, msg *Message) (*SignedMessage, error)
	MpoolPush(ctx context.Context, msg *SignedMessage) (Cid, error)
}

const defaultTimeout = 30 * time.Second

type Client struct {
	httpClient *http.Client
	rpcURL     string
	token      string
	requestID  atomic.Int64
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
}

func NewClient(rpcURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		rpcURL: rpcURL,
		token:  token,
		logger: logger.With("component", "lotus_rpc"),
	}
}

// SetRateLimiter sets the RPC rate limiter for this client.
func (c *Client) SetRateLimiter(l *ratelimit.Limiter) {
	c.limiter = l
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (result json.RawMessage, err error) {
	ctx, span := tracing.Start(ctx, "rpc.call", attribute.String("rpc.method", method))
	defer func() {
		ratelimit.RecordRPCCall(method, err)
		tracing.End(span, err)
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req := c.newRequest(method, params)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		c.logger.Debug("rpc error", "method", method, "code", rpcResp.Error.Code, "message", rpcResp.Error.Message)
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

func (c *Client) newRequest(method string, params []interface{}) Request {
	id := int(c.requestID.Add(1))
	if params == nil {
		params = []interface{}{}
	}
	return Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
}
