package ledger

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"paycore/observability"
	"paycore/payment"
)

// Well-known JSON-RPC error codes returned by the ledger network.
const (
	rpcCodeInvalidInput       = -32602
	rpcCodeRateLimited        = -32005
	rpcCodeInsufficientFunds  = -32010
	rpcCodeInputsAlreadySpent = -32011
	rpcCodeInvalidTransaction = -32012
	rpcCodeStaleClient        = -32013
	rpcCodeAttestation        = -32014
	rpcCodeAuthorization      = -32015
)

// ErrBalanceUnknown is returned by PrepareTransaction before any
// successful balance fetch in this session.
var ErrBalanceUnknown = errors.New("ledger: balance must be fetched before preparing a transaction")

// Options configures the RPC client.
type Options struct {
	// Endpoint is the base URL of the ledger network gateway.
	Endpoint string
	// Entropy authenticates the local account when opening a session.
	Entropy []byte
	// RootCAPEM pins the gateway certificate chain; empty uses system roots.
	RootCAPEM []byte
	// CallTimeout bounds every network operation. Defaults to 30s.
	CallTimeout time.Duration
	// SessionMaxAge forces a session rebuild even without an explicit
	// authorization failure. Defaults to 12h.
	SessionMaxAge time.Duration
	// RequestsPerSecond throttles outbound calls. Defaults to 10.
	RequestsPerSecond float64
	// Now is overridable for tests.
	Now func() time.Time
}

type session struct {
	token     string
	createdAt time.Time
}

func (s *session) expired(maxAge time.Duration, now time.Time) bool {
	if s == nil {
		return true
	}
	return now.Sub(s.createdAt) > maxAge
}

// RPCClient speaks JSON-RPC to the ledger network gateway. The session
// token is rebuilt after SessionMaxAge or on an authorization failure;
// the rebuild is guarded so concurrent callers observe either the
// still-valid or the newly-built session.
type RPCClient struct {
	endpoint      string
	entropy       []byte
	http          *http.Client
	callTimeout   time.Duration
	sessionMaxAge time.Duration
	limiter       *rate.Limiter
	now           func() time.Time
	metrics       *observability.LedgerMetrics
	tracer        trace.Tracer

	nextID atomic.Int64

	sessionMu sync.Mutex
	session   *session

	balanceKnown atomic.Bool
}

// NewRPCClient builds a client from options.
func NewRPCClient(opts Options) (*RPCClient, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("ledger: endpoint required")
	}
	if len(opts.Entropy) == 0 {
		return nil, fmt.Errorf("ledger: account entropy required")
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	sessionMaxAge := opts.SessionMaxAge
	if sessionMaxAge <= 0 {
		sessionMaxAge = 12 * time.Hour
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if len(opts.RootCAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(opts.RootCAPEM) {
			return nil, fmt.Errorf("ledger: parse root CA")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &RPCClient{
		endpoint:      opts.Endpoint,
		entropy:       opts.Entropy,
		http:          &http.Client{Transport: transport},
		callTimeout:   callTimeout,
		sessionMaxAge: sessionMaxAge,
		limiter:       rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		now:           nowFn,
		metrics:       observability.Ledger(),
		tracer:        otel.Tracer("paycore/ledger"),
	}, nil
}

// DiscardSession drops the current session so the next call rebuilds it.
// Invoked on explicit authentication-failure signals.
func (c *RPCClient) DiscardSession() {
	c.sessionMu.Lock()
	c.session = nil
	c.sessionMu.Unlock()
}

func (c *RPCClient) currentSession(ctx context.Context) (string, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if !c.session.expired(c.sessionMaxAge, c.now()) {
		return c.session.token, nil
	}
	reason := "initial"
	if c.session != nil {
		reason = "expired"
	}
	var result struct {
		Token string `json:"token"`
	}
	params := map[string]any{"entropy": hex.EncodeToString(c.entropy)}
	if err := c.rawCall(ctx, "session_open", params, "", &result); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", NewError("session_open", KindAuthorization, errors.New("empty session token"))
	}
	c.session = &session{token: result.Token, createdAt: c.now()}
	c.metrics.RecordSession(reason)
	return c.session.token, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params, out any) error {
	token, err := c.currentSession(ctx)
	if err != nil {
		return err
	}
	err = c.rawCall(ctx, method, params, token, out)
	if KindOf(err) == KindAuthorization {
		// The gateway invalidated the session early; rebuild on next call.
		c.DiscardSession()
		c.metrics.RecordSession("unauthorized")
	}
	return err
}

func (c *RPCClient) rawCall(ctx context.Context, method string, params any, token string, out any) (err error) {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "ledger.call",
		trace.WithAttributes(attribute.String("method", method)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.ObserveRequest(method, string(KindOf(err)), c.now().Sub(start))
	}()
	if err := c.limiter.Wait(ctx); err != nil {
		return NewError(method, KindTimeout, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return NewError(method, KindInvalidInput, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return NewError(method, KindInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return NewError(method, transportKind(err), err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewError(method, KindAuthorization, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(method, KindRateLimited, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return NewError(method, KindConnection, fmt.Errorf("status %d", resp.StatusCode))
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return NewError(method, KindConnection, err)
	}
	if rpcResp.Error != nil {
		return NewError(method, codeKind(rpcResp.Error.Code), errors.New(rpcResp.Error.Message))
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return NewError(method, KindConnection, errors.New("empty result"))
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return NewError(method, KindConnection, err)
	}
	return nil
}

func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnection
}

func codeKind(code int) Kind {
	switch code {
	case rpcCodeInvalidInput:
		return KindInvalidInput
	case rpcCodeRateLimited:
		return KindRateLimited
	case rpcCodeInsufficientFunds:
		return KindInsufficientFunds
	case rpcCodeInputsAlreadySpent:
		return KindInputsSpent
	case rpcCodeInvalidTransaction:
		return KindInvalidTransaction
	case rpcCodeStaleClient:
		return KindStaleClient
	case rpcCodeAttestation:
		return KindAttestation
	case rpcCodeAuthorization:
		return KindAuthorization
	default:
		return KindConnection
	}
}

// Balance returns the latest confirmed spendable balance.
func (c *RPCClient) Balance(ctx context.Context) (payment.Amount, error) {
	var result struct {
		Picounits uint64 `json:"picounits"`
	}
	if err := c.call(ctx, "ledger_balance", nil, &result); err != nil {
		return payment.Amount{}, err
	}
	c.balanceKnown.Store(true)
	return payment.NewAmount(result.Picounits), nil
}

// EstimateFee returns the network fee required to send amount.
func (c *RPCClient) EstimateFee(ctx context.Context, amount payment.Amount) (payment.Amount, error) {
	var result struct {
		Picounits uint64 `json:"picounits"`
	}
	params := map[string]any{"picounits": amount.Picounits}
	if err := c.call(ctx, "ledger_estimateFee", params, &result); err != nil {
		return payment.Amount{}, err
	}
	return payment.NewAmount(result.Picounits), nil
}

// MaxSendable returns the largest amount spendable in one transaction.
func (c *RPCClient) MaxSendable(ctx context.Context) (payment.Amount, error) {
	var result struct {
		Picounits uint64 `json:"picounits"`
	}
	if err := c.call(ctx, "ledger_maxSendable", nil, &result); err != nil {
		return payment.Amount{}, err
	}
	return payment.NewAmount(result.Picounits), nil
}

// RequiresDefragmentation reports whether the account's spendable
// fragments must be consolidated before sending amount.
func (c *RPCClient) RequiresDefragmentation(ctx context.Context, amount payment.Amount) (bool, error) {
	var result struct {
		Required bool `json:"required"`
	}
	params := map[string]any{"picounits": amount.Picounits}
	if err := c.call(ctx, "ledger_requiresDefrag", params, &result); err != nil {
		return false, err
	}
	return result.Required, nil
}

type wireTransaction struct {
	Transaction      []byte   `json:"transaction"`
	Receipt          []byte   `json:"receipt"`
	FeePicounits     uint64   `json:"fee_picounits"`
	SpentKeyImages   [][]byte `json:"spent_key_images"`
	OutputPublicKeys [][]byte `json:"output_public_keys"`
}

func (w wireTransaction) prepared() PreparedTransaction {
	return PreparedTransaction{
		Transaction:      w.Transaction,
		Receipt:          w.Receipt,
		Fee:              payment.NewAmount(w.FeePicounits),
		SpentKeyImages:   w.SpentKeyImages,
		OutputPublicKeys: w.OutputPublicKeys,
	}
}

// PrepareDefragmentation builds the consolidation transactions needed
// before amount can be sent.
func (c *RPCClient) PrepareDefragmentation(ctx context.Context, amount payment.Amount) ([]PreparedTransaction, error) {
	var result struct {
		Transactions []wireTransaction `json:"transactions"`
	}
	params := map[string]any{"picounits": amount.Picounits}
	if err := c.call(ctx, "ledger_prepareDefrag", params, &result); err != nil {
		return nil, err
	}
	prepared := make([]PreparedTransaction, 0, len(result.Transactions))
	for _, tx := range result.Transactions {
		prepared = append(prepared, tx.prepared())
	}
	return prepared, nil
}

// PrepareTransaction builds a submittable transaction paying amount to
// recipientAddress. The balance must have been fetched first: fee and
// input selection depend on it.
func (c *RPCClient) PrepareTransaction(ctx context.Context, amount payment.Amount, recipientAddress []byte) (PreparedTransaction, error) {
	if !c.balanceKnown.Load() {
		return PreparedTransaction{}, NewError("ledger_prepareTransaction", KindInvalidInput, ErrBalanceUnknown)
	}
	if !amount.Valid(false) {
		return PreparedTransaction{}, NewError("ledger_prepareTransaction", KindInvalidInput, errors.New("bad amount"))
	}
	if len(recipientAddress) == 0 {
		return PreparedTransaction{}, NewError("ledger_prepareTransaction", KindInvalidInput, errors.New("missing recipient address"))
	}
	var result wireTransaction
	params := map[string]any{
		"picounits": amount.Picounits,
		"recipient": recipientAddress,
	}
	if err := c.call(ctx, "ledger_prepareTransaction", params, &result); err != nil {
		return PreparedTransaction{}, err
	}
	return result.prepared(), nil
}

// SubmitTransaction publishes tx to the consensus network.
func (c *RPCClient) SubmitTransaction(ctx context.Context, tx RawTransaction) error {
	if len(tx) == 0 {
		return NewError("ledger_submitTransaction", KindInvalidInput, errors.New("empty transaction"))
	}
	params := map[string]any{"transaction": []byte(tx)}
	return c.call(ctx, "ledger_submitTransaction", params, nil)
}

// OutgoingStatus polls the ledger for the fate of a submitted transaction.
func (c *RPCClient) OutgoingStatus(ctx context.Context, tx RawTransaction) (OutgoingStatus, error) {
	var result struct {
		Status           string `json:"status"`
		BlockIndex       uint64 `json:"block_index"`
		BlockTimestampMS uint64 `json:"block_timestamp_ms"`
	}
	params := map[string]any{"transaction": []byte(tx)}
	if err := c.call(ctx, "ledger_outgoingStatus", params, &result); err != nil {
		return OutgoingStatus{}, err
	}
	status := OutgoingStatus{Block: BlockRef{Index: result.BlockIndex, TimestampMS: result.BlockTimestampMS}}
	switch result.Status {
	case "pending":
		status.State = OutgoingPending
	case "accepted":
		status.State = OutgoingAccepted
	case "failed":
		status.State = OutgoingFailed
	default:
		return OutgoingStatus{}, NewError("ledger_outgoingStatus", KindConnection, fmt.Errorf("unknown status %q", result.Status))
	}
	return status, nil
}

// IncomingStatus polls the ledger for the fate of a receipt.
func (c *RPCClient) IncomingStatus(ctx context.Context, receipt Receipt) (IncomingStatus, error) {
	var result struct {
		Status           string   `json:"status"`
		BlockIndex       uint64   `json:"block_index"`
		BlockTimestampMS uint64   `json:"block_timestamp_ms"`
		Picounits        uint64   `json:"picounits"`
		TxPublicKeys     [][]byte `json:"tx_public_keys"`
	}
	params := map[string]any{"receipt": []byte(receipt)}
	if err := c.call(ctx, "ledger_incomingStatus", params, &result); err != nil {
		return IncomingStatus{}, err
	}
	status := IncomingStatus{
		Block:        BlockRef{Index: result.BlockIndex, TimestampMS: result.BlockTimestampMS},
		Amount:       payment.NewAmount(result.Picounits),
		TxPublicKeys: result.TxPublicKeys,
	}
	switch result.Status {
	case "unknown":
		status.State = IncomingUnknown
	case "received":
		status.State = IncomingReceived
	case "failed":
		status.State = IncomingFailed
	default:
		return IncomingStatus{}, NewError("ledger_incomingStatus", KindConnection, fmt.Errorf("unknown status %q", result.Status))
	}
	return status, nil
}

// AccountActivity fetches the authoritative activity feed for the account.
func (c *RPCClient) AccountActivity(ctx context.Context) (AccountActivity, error) {
	var result struct {
		BlockCount uint64 `json:"block_count"`
		Items      []struct {
			TxPublicKey         []byte `json:"tx_public_key"`
			KeyImage            []byte `json:"key_image"`
			Picounits           uint64 `json:"picounits"`
			ReceivedBlockIndex  uint64 `json:"received_block_index"`
			ReceivedTimestampMS uint64 `json:"received_block_timestamp_ms"`
			SpentBlockIndex     uint64 `json:"spent_block_index"`
			SpentTimestampMS    uint64 `json:"spent_block_timestamp_ms"`
		} `json:"items"`
	}
	if err := c.call(ctx, "ledger_accountActivity", nil, &result); err != nil {
		return AccountActivity{}, err
	}
	activity := AccountActivity{BlockCount: result.BlockCount, Items: make([]ActivityItem, 0, len(result.Items))}
	for _, item := range result.Items {
		out := ActivityItem{
			TxPublicKey:   item.TxPublicKey,
			KeyImage:      item.KeyImage,
			Picounits:     item.Picounits,
			ReceivedBlock: BlockRef{Index: item.ReceivedBlockIndex, TimestampMS: item.ReceivedTimestampMS},
		}
		if item.SpentBlockIndex > 0 {
			out.SpentBlock = &BlockRef{Index: item.SpentBlockIndex, TimestampMS: item.SpentTimestampMS}
		}
		activity.Items = append(activity.Items, out)
	}
	return activity, nil
}

var _ Client = (*RPCClient)(nil)
