package chain

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codedError struct {
	code int
	msg  string
}

func (e *codedError) Error() string  { return e.msg }
func (e *codedError) ErrorCode() int { return e.code }

// gateway is an in-process contracts gateway.
type gateway struct {
	mu sync.Mutex

	nonce        uint64
	reads        map[string]string
	submitted    []CallPayload
	badSignature bool
	rejectSubmit bool

	pendingPolls int // nil receipts returned before inclusion
	neverInclude bool
	receipt      Receipt

	receiptErrs    int // failed receipt polls before the receipt is served
	receiptErr     error
	submitErr      error
	nonceUnhealthy bool
}

type systemAPI struct{ g *gateway }

func (s *systemAPI) Chain() string { return "Development" }

func (s *systemAPI) AccountNextIndex(addr common.Address) (uint64, error) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	if s.g.nonceUnhealthy {
		return 0, errors.New("state backend unavailable")
	}
	return s.g.nonce, nil
}

func (s *systemAPI) Account(addr common.Address) json.RawMessage {
	return json.RawMessage(`{"nonce":3,"data":{"free":123000000000000,"reserved":0}}`)
}

type contractsAPI struct{ g *gateway }

func (s *contractsAPI) Read(req ReadRequest) (json.RawMessage, error) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	out, ok := s.g.reads[req.Message]
	if !ok {
		return nil, &codedError{code: -32601, msg: "unknown message " + req.Message}
	}
	return json.RawMessage(out), nil
}

func (s *contractsAPI) Submit(req SubmitRequest) (common.Hash, error) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()

	var payload CallPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return common.Hash{}, err
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return common.Hash{}, err
	}
	if !VerifySignature(payload.Origin, req.Payload, sig) {
		s.g.badSignature = true
		return common.Hash{}, &codedError{code: 1010, msg: "bad signature"}
	}
	if s.g.rejectSubmit {
		return common.Hash{}, &codedError{code: 1002, msg: "ContractTrapped"}
	}
	if s.g.submitErr != nil {
		return common.Hash{}, s.g.submitErr
	}

	s.g.submitted = append(s.g.submitted, payload)
	s.g.nonce++
	return crypto.Keccak256Hash(req.Payload), nil
}

func (s *contractsAPI) Receipt(hash common.Hash) (*Receipt, error) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	if s.g.receiptErr != nil && s.g.receiptErrs != 0 {
		if s.g.receiptErrs > 0 {
			s.g.receiptErrs--
		}
		return nil, s.g.receiptErr
	}
	if s.g.neverInclude {
		return nil, nil
	}
	if s.g.pendingPolls > 0 {
		s.g.pendingPolls--
		return nil, nil
	}
	r := s.g.receipt
	r.TxHash = hash
	return &r, nil
}

func newTestClient(t *testing.T, g *gateway, cfg Config) *Client {
	t.Helper()

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("system", &systemAPI{g: g}))
	require.NoError(t, server.RegisterName("contracts", &contractsAPI{g: g}))
	t.Cleanup(server.Stop)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	client := NewClientWithRPC(cfg, rpc.DialInProc(server), NewSigner(key), logger)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InclusionTimeout = 500 * time.Millisecond
	cfg.ReceiptPollInterval = 5 * time.Millisecond
	cfg.MaxRetries = 0
	return cfg
}

func TestClient_ConnectReportsChain(t *testing.T) {
	client := newTestClient(t, &gateway{}, testConfig())

	assert.True(t, client.IsConnected())
	assert.Equal(t, "Development", client.ChainName())
}

func TestClient_ConnectFailsWithoutSystemAPI(t *testing.T) {
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("contracts", &contractsAPI{g: &gateway{}}))
	t.Cleanup(server.Stop)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client := NewClientWithRPC(testConfig(), rpc.DialInProc(server), NewSigner(key), nil)

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.False(t, client.IsConnected())
}

func TestClient_ReadBeforeConnect(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client := NewClient(testConfig(), NewSigner(key), nil)

	_, err = client.Read(context.Background(), common.Address{}, "balance_of", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_ReadKeepsLargeIntegers(t *testing.T) {
	g := &gateway{reads: map[string]string{
		"balance_of": `{"Ok": 340282366920938463463374607431768211455}`,
	}}
	client := newTestClient(t, g, testConfig())

	got, err := client.Read(context.Background(), common.HexToAddress("0x01"), "balance_of", map[string]any{"owner": client.Account()})
	require.NoError(t, err)

	m, ok := got.(map[string]any)
	require.True(t, ok, "got %T", got)
	num, ok := m["Ok"].(json.Number)
	require.True(t, ok, "got %T", m["Ok"])

	want, _ := new(big.Int).SetString("340282366920938463463374607431768211455", 10)
	have, _ := new(big.Int).SetString(num.String(), 10)
	assert.Equal(t, 0, want.Cmp(have))
}

func TestClient_ReadUnknownMessageKeepsRPCCode(t *testing.T) {
	client := newTestClient(t, &gateway{reads: map[string]string{}}, testConfig())

	_, err := client.Read(context.Background(), common.Address{}, "nope", nil)
	var rpcErr rpc.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, -32601, rpcErr.ErrorCode())

	var dispatchErr *DispatchError
	assert.False(t, errors.As(err, &dispatchErr))
}

func TestClient_SystemAccount(t *testing.T) {
	client := newTestClient(t, &gateway{}, testConfig())

	got, err := client.SystemAccount(context.Background())
	require.NoError(t, err)
	data := got.(map[string]any)["data"].(map[string]any)
	assert.Equal(t, json.Number("123000000000000"), data["free"])
}

func TestClient_ExecWaitsForInclusion(t *testing.T) {
	g := &gateway{
		nonce:        7,
		pendingPolls: 3,
		receipt:      Receipt{Success: true, BlockNumber: 42},
	}
	client := newTestClient(t, g, testConfig())

	contract := common.HexToAddress("0x2222222222222222222222222222222222222222")
	receipt, err := client.Exec(context.Background(), Call{
		Contract: contract,
		Message:  "register_device",
		Args:     map[string]any{"metadata": map[string]any{"model": "Tapo P110"}},
		Value:    "2000000000000000000",
		GasLimit: DefaultGasLimit,
	})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(42), receipt.BlockNumber)
	assert.NotEqual(t, common.Hash{}, receipt.TxHash)

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.submitted, 1)
	assert.False(t, g.badSignature)
	sub := g.submitted[0]
	assert.Equal(t, client.Account(), sub.Origin)
	assert.Equal(t, contract, sub.Contract)
	assert.Equal(t, uint64(7), sub.Nonce)
	assert.Equal(t, "2000000000000000000", sub.Value)
	assert.Equal(t, DefaultGasLimit, sub.GasLimit)
	assert.Equal(t, 0, g.pendingPolls)
}

func TestClient_ExecFailedReceipt(t *testing.T) {
	g := &gateway{receipt: Receipt{Success: false, Error: "DeviceAlreadyRegistered"}}
	client := newTestClient(t, g, testConfig())

	receipt, err := client.Exec(context.Background(), Call{Message: "register_device", GasLimit: DefaultGasLimit})
	require.NoError(t, err)
	assert.False(t, receipt.Success)
	assert.Equal(t, "DeviceAlreadyRegistered", receipt.Error)
}

func TestClient_ExecInclusionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.InclusionTimeout = 30 * time.Millisecond
	client := newTestClient(t, &gateway{neverInclude: true}, cfg)

	_, err := client.Exec(context.Background(), Call{Message: "participate_in_event", GasLimit: DefaultGasLimit})
	assert.ErrorIs(t, err, ErrInclusionTimeout)
}

func TestClient_ExecRejectedAtSubmit(t *testing.T) {
	client := newTestClient(t, &gateway{rejectSubmit: true}, testConfig())

	_, err := client.Exec(context.Background(), Call{Message: "participate_in_event", GasLimit: DefaultGasLimit})
	var dispatchErr *DispatchError
	require.True(t, errors.As(err, &dispatchErr), "got %v", err)
	assert.Equal(t, 1002, dispatchErr.Code)
	assert.Contains(t, dispatchErr.Message, "ContractTrapped")
}

func TestClient_ExecRetriesFailedReceiptPolls(t *testing.T) {
	g := &gateway{
		receiptErrs: 2,
		receiptErr:  errors.New("database is locked"),
		receipt:     Receipt{Success: true, BlockNumber: 9},
	}
	client := newTestClient(t, g, testConfig())

	receipt, err := client.Exec(context.Background(), Call{Message: "participate_in_event", GasLimit: DefaultGasLimit})
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(9), receipt.BlockNumber)
}

func TestClient_ExecReceiptErrorsEndInTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.InclusionTimeout = 30 * time.Millisecond
	g := &gateway{receiptErrs: -1, receiptErr: errors.New("database is locked")}
	client := newTestClient(t, g, cfg)

	_, err := client.Exec(context.Background(), Call{Message: "participate_in_event", GasLimit: DefaultGasLimit})
	require.ErrorIs(t, err, ErrInclusionTimeout)
	assert.Contains(t, err.Error(), "database is locked")

	var dispatchErr *DispatchError
	assert.False(t, errors.As(err, &dispatchErr))
}

func TestClient_ExecServerErrorIsNotDispatch(t *testing.T) {
	tests := []struct {
		name string
		g    *gateway
	}{
		{"submit server error", &gateway{submitErr: errors.New("internal failure")}},
		{"submit method code", &gateway{submitErr: &codedError{code: -32601, msg: "method not found"}}},
		{"nonce failure", &gateway{nonceUnhealthy: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.g, testConfig())

			_, err := client.Exec(context.Background(), Call{Message: "participate_in_event", GasLimit: DefaultGasLimit})
			require.Error(t, err)
			var dispatchErr *DispatchError
			assert.False(t, errors.As(err, &dispatchErr), "got %v", err)
		})
	}
}

func TestIsDispatchCode(t *testing.T) {
	assert.True(t, isDispatchCode(1002))
	assert.True(t, isDispatchCode(-1))
	assert.True(t, isDispatchCode(-32769))
	assert.False(t, isDispatchCode(-32000))
	assert.False(t, isDispatchCode(-32601))
	assert.False(t, isDispatchCode(-32768))
}

func TestSigner_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)

	payload := []byte(`{"message":"participate_in_event"}`)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	assert.Len(t, sig, 65)

	assert.True(t, VerifySignature(signer.Address(), payload, sig))
	assert.False(t, VerifySignature(signer.Address(), []byte("tampered"), sig))
	assert.False(t, VerifySignature(common.HexToAddress("0x01"), payload, sig))
}
