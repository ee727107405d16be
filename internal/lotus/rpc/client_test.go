package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ RPCClient = (*Client)(nil)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rpcOK returns a JSON-RPC 2.0 success response.
func rpcOK(result interface{}) []byte {
	raw, _ := json.Marshal(result)
	b, _ := json.Marshal(Response{JSONRPC: "2.0", ID: 1, Result: raw})
	return b
}

// rpcError returns a JSON-RPC 2.0 error response.
func rpcError(code int, msg string) []byte {
	b, _ := json.Marshal(Response{JSONRPC: "2.0", ID: 1, Error: &RPCError{Code: code, Message: msg}})
	return b
}

// methodServer routes requests by JSON-RPC method name and records the last
// request per method.
type methodServer struct {
	handlers map[string]func(req Request) []byte
	mu       sync.Mutex
	seen     map[string]Request
	auth     atomic.Value
}

func (ms *methodServer) last(method string) Request {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.seen[method]
}

func newMethodServer(t *testing.T, handlers map[string]func(req Request) []byte) (*httptest.Server, *methodServer) {
	t.Helper()
	ms := &methodServer{handlers: handlers, seen: map[string]Request{}}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.auth.Store(r.Header.Get("Authorization"))
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ms.mu.Lock()
		ms.seen[req.Method] = req
		ms.mu.Unlock()
		h, ok := ms.handlers[req.Method]
		if !ok {
			w.Write(rpcError(-32601, "method '"+req.Method+"' not found"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(h(req))
	}))
	t.Cleanup(ts.Close)
	return ts, ms
}

// ---------------------------------------------------------------------------
// TestNewClient_Construction
// ---------------------------------------------------------------------------

func TestNewClient_Construction(t *testing.T) {
	client := NewClient("http://127.0.0.1:1234/rpc/v0", "secret", 0, newTestLogger())

	require.NotNil(t, client)
	assert.Equal(t, "http://127.0.0.1:1234/rpc/v0", client.rpcURL)
	assert.Equal(t, defaultTimeout, client.httpClient.Timeout)
	assert.Nil(t, client.limiter, "limiter should be nil by default")
	assert.Equal(t, int64(0), client.requestID.Load(), "requestID should start at 0")
}

// ---------------------------------------------------------------------------
// TestClient_Call
// ---------------------------------------------------------------------------

func TestClient_CallSendsBearerTokenAndIncrementsID(t *testing.T) {
	ts, ms := newMethodServer(t, map[string]func(Request) []byte{
		"Filecoin.WalletList": func(Request) []byte { return rpcOK([]string{"f1abc"}) },
	})
	client := NewClient(ts.URL, "secret", time.Second, newTestLogger())

	_, err := client.WalletList(context.Background())
	require.NoError(t, err)
	_, err = client.WalletList(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", ms.auth.Load())
	req := ms.last("Filecoin.WalletList")
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, 2, req.ID)
	assert.Empty(t, req.Params)
}

func TestClient_CallRPCError(t *testing.T) {
	ts, _ := newMethodServer(t, map[string]func(Request) []byte{
		"Filecoin.MpoolPush": func(Request) []byte {
			return rpcError(1, "replace by fee has too low GasPremium")
		},
	})
	client := NewClient(ts.URL, "", time.Second, newTestLogger())

	_, err := client.MpoolPush(context.Background(), &SignedMessage{})
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 1, rpcErr.Code)
	assert.Contains(t, err.Error(), "MpoolPush")
}

func TestClient_CallHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("missing token"))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", time.Second, newTestLogger())
	_, err := client.ChainHead(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 401")
}

func TestClient_CallMalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", time.Second, newTestLogger())
	_, err := client.ChainHead(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal response")
}

// ---------------------------------------------------------------------------
// TestMethods
// ---------------------------------------------------------------------------

func TestChainHead_Success(t *testing.T) {
	ts, _ := newMethodServer(t, map[string]func(Request) []byte{
		"Filecoin.ChainHead": func(Request) []byte {
			return []byte(`{"jsonrpc":"2.0","id":1,"result":{
				"Cids":[{"/":"bafy2bzacea"}],
				"Blocks":[{"Miner":"f01000","Height":3100000,"Timestamp":1700000060},{"Miner":"f01001","Height":3100000,"Timestamp":1700000030}],
				"Height":3100000}}`)
		},
	})
	client := NewClient(ts.URL, "", time.Second, newTestLogger())

	head, err := client.ChainHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3100000), head.Height)
	assert.Equal(t, uint64(1700000030), head.MinTimestamp())
	assert.Equal(t, "bafy2bzacea", head.Cids[0].String())
}

func TestMpoolPending_DecodesMessages(t *testing.T) {
	ts, ms := newMethodServer(t, map[string]func(Request) []byte{
		"Filecoin.MpoolPending": func(Request) []byte {
			return []byte(`{"jsonrpc":"2.0","id":1,"result":[{
				"Message":{"Version":0,"To":"f2to","From":"f1from","Nonce":7,"Value":"1000",
					"GasLimit":2000000,"GasFeeCap":"100000","GasPremium":"99000","Method":0,"Params":null},
				"Signature":{"Type":1,"Data":"AQID"},
				"CID":{"/":"bafy-pending"}}]}`)
		},
	})
	client := NewClient(ts.URL, "", time.Second, newTestLogger())

	msgs, err := client.MpoolPending(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "bafy-pending", m.CID.Root)
	assert.Equal(t, "f1from", m.Message.From)
	assert.Equal(t, uint64(7), m.Message.Nonce)
	assert.Equal(t, int64(2000000), m.Message.GasLimit)
	assert.Equal(t, 0, m.Message.GasPremium.Value().Cmp(big.NewInt(99000)))
	assert.Equal(t, []byte{1, 2, 3}, m.Signature.Data)

	req := ms.last("Filecoin.MpoolPending")
	require.Len(t, req.Params, 1)
	assert.Nil(t, req.Params[0], "empty tipset key selects the head")
}

func TestMpoolPending_NullIsEmpty(t *testing.T) {
	ts, _ := newMethodServer(t, map[string]func(Request) []byte{
		"Filecoin.MpoolPending": func(Request) []byte { return rpcOK(nil) },
	})
	client := NewClient(ts.URL, "", time.Second, newTestLogger())

	msgs, err := client.MpoolPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGasEstimateMessageGas_SendsMaxFee(t *testing.T) {
	ts, ms := newMethodServer(t, map[string]func(Request) []byte{
		"Filecoin.GasEstimateMessageGas": func(req Request) []byte {
			raw, _ := json.Marshal(req.Params[0])
			var msg Message
			_ = json.Unmarshal(raw, &msg)
			msg.GasPremium = NewBigInt(120000)
			msg.GasFeeCap = NewBigInt(150000)
			return rpcOK(msg)
		},
	})
	client := NewClient(ts.URL, "", time.Second, newTestLogger())

	in := &Message{From: "f1from", Nonce: 3, GasLimit: 1000}
	maxFee := BigInt{Int: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)}
	out, err := client.GasEstimateMessageGas(context.Background(), in, &MessageSendSpec{MaxFee: maxFee})
	require.NoError(t, err)
	assert.Equal(t, "120000", out.GasPremium.String())
	assert.Equal(t, uint64(3), out.Nonce)

	req := ms.last("Filecoin.GasEstimateMessageGas")
	require.Len(t, req.Params, 3)
	spec, ok := req.Params[1].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1000000000000000000", spec["MaxFee"])
}

func TestWalletSignAndPush(t *testing.T) {
	ts, _ := newMethodServer(t, map[string]func(Request) []byte{
		"Filecoin.WalletSignMessage": func(req Request) []byte {
			return rpcOK(SignedMessage{Signature: Signature{Type: 1, Data: []byte{9}}})
		},
		"Filecoin.MpoolPush": func(Request) []byte { return rpcOK(Cid{Root: "bafy-new"}) },
	})
	client := NewClient(ts.URL, "", time.Second, newTestLogger())

	signed, err := client.WalletSignMessage(context.Background(), "f1from", &Message{From: "f1from"})
	require.NoError(t, err)
	assert.Equal(t, byte(1), signed.Signature.Type)

	cid, err := client.MpoolPush(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "bafy-new", cid.Root)
}

func TestMpoolPush_EmptyCid(t *testing.T) {
	ts, _ := newMethodServer(t, map[string]func(Request) []byte{
		"Filecoin.MpoolPush": func(Request) []byte { return rpcOK(Cid{}) },
	})
	client := NewClient(ts.URL, "", time.Second, newTestLogger())

	_, err := client.MpoolPush(context.Background(), &SignedMessage{})
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// TestBigInt
// ---------------------------------------------------------------------------

func TestBigInt_JSON(t *testing.T) {
	t.Parallel()

	var b BigInt
	require.NoError(t, json.Unmarshal([]byte(`"123456789012345678901234"`), &b))
	assert.Equal(t, "123456789012345678901234", b.String())

	out, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, `"123456789012345678901234"`, string(out))

	var zero BigInt
	out, err = json.Marshal(zero)
	require.NoError(t, err)
	assert.Equal(t, `"0"`, string(out))

	require.Error(t, json.Unmarshal([]byte(`"12x"`), &b))
	require.Error(t, json.Unmarshal([]byte(`12`), &b))
}

// ---------------------------------------------------------------------------
// TestRateLimiter
// ---------------------------------------------------------------------------

func TestRateLimiter_ContextCancellation(t *testing.T) {
	ts, _ := newMethodServer(t, map[string]func(Request) []byte{
		"Filecoin.WalletList": func(Request) []byte { return rpcOK([]string{}) },
	})
	client := NewClient(ts.URL, "", time.Second, newTestLogger())
	client.SetRateLimiter(ratelimit.NewLimiter(0.5, 1, "lotus"))

	_, err := client.WalletList(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.WalletList(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}
