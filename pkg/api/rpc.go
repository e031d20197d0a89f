package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BSVanon/ClawSats-sub000/pkg/brain"
	"github.com/BSVanon/ClawSats-sub000/pkg/payment"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

// invitePostTimeout bounds outbound invitation delivery.
const invitePostTimeout = 10 * time.Second

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: "request does not parse"}})
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidRequest, Message: "method required"}})
		return
	}

	args := unwrapParams(req.Params)
	result, rpcErr := s.callMethod(r.Context(), req.Method, args)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

// unwrapParams accepts both flat args and the {args, originator} envelope.
func unwrapParams(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return map[string]any{}
	}
	if inner, ok := params["args"].(map[string]any); ok {
		return inner
	}
	return params
}

func (s *Server) callMethod(ctx context.Context, method string, args map[string]any) (any, *rpcError) {
	switch method {
	// Wallet methods
	case "getPublicKey":
		return map[string]any{"publicKey": s.deps.Wallet.IdentityKey()}, nil
	case "sign":
		return s.rpcSign(ctx, args)
	case "verify":
		return s.rpcVerify(ctx, args)
	case "createAction":
		return s.rpcCreateAction(ctx, args)
	case "internalizeAction":
		return s.rpcInternalizeAction(ctx, args)
	case "listOutputs", "listActions":
		// The bundled driver does not track UTXOs or action history.
		return map[string]any{"items": []any{}, "total": 0}, nil

	// ClawSats methods
	case "createPaymentChallenge":
		return s.rpcCreateChallenge(ctx, args)
	case "verifyPayment":
		return s.rpcVerifyPayment(ctx, args)
	case "getConfig":
		return s.deps.Config.Redacted(), nil
	case "listPeers":
		return s.deps.Peers.All(), nil
	case "searchCapabilities":
		query, _ := args["query"].(string)
		return s.deps.Caps.Search(query), nil
	case "sendInvitation":
		return s.rpcSendInvitation(ctx, args)
	case "hireClaw":
		return s.rpcHireClaw(args)

	// Brain methods
	case "enqueue":
		return s.rpcEnqueue(args)
	case "listJobs":
		status, _ := args["status"].(string)
		if status != "" {
			return s.deps.Jobs.List(types.JobStatus(status)), nil
		}
		return s.deps.Jobs.List(), nil
	case "retryFailed":
		count, err := s.deps.Jobs.RetryFailed()
		if err != nil {
			return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
		}
		return map[string]any{"requeued": count}, nil
	case "run":
		allowMemory, _ := args["allowMemoryWrites"].(bool)
		processed := s.deps.Router.RunOnce(ctx, allowMemory)
		return map[string]any{"processed": processed}, nil

	default:
		return nil, &rpcError{Code: rpcMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
}

func parseProtocolID(args map[string]any) (wallet.ProtocolID, string, error) {
	keyID, _ := args["keyId"].(string)
	raw, ok := args["protocolId"].([]any)
	if !ok || len(raw) != 2 {
		return wallet.ProtocolID{}, "", fmt.Errorf("protocolId must be [level, name]")
	}
	level, ok := raw[0].(float64)
	if !ok {
		return wallet.ProtocolID{}, "", fmt.Errorf("protocolId level must be a number")
	}
	name, ok := raw[1].(string)
	if !ok {
		return wallet.ProtocolID{}, "", fmt.Errorf("protocolId name must be a string")
	}
	return wallet.ProtocolID{SecurityLevel: int(level), Protocol: name}, keyID, nil
}

func (s *Server) rpcSign(ctx context.Context, args map[string]any) (any, *rpcError) {
	dataB64, _ := args["data"].(string)
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil || dataB64 == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "data must be base64"}
	}
	protocolID, keyID, err := parseProtocolID(args)
	if err != nil {
		return nil, &rpcError{Code: rpcInvalidParams, Message: err.Error()}
	}
	counterparty, _ := args["counterparty"].(string)

	sig, err := s.deps.Wallet.Sign(ctx, data, protocolID, keyID, counterparty)
	if err != nil {
		return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
	}
	return map[string]any{"signature": base64.StdEncoding.EncodeToString(sig)}, nil
}

func (s *Server) rpcVerify(ctx context.Context, args map[string]any) (any, *rpcError) {
	dataB64, _ := args["data"].(string)
	sigB64, _ := args["signature"].(string)
	data, errData := base64.StdEncoding.DecodeString(dataB64)
	sig, errSig := base64.StdEncoding.DecodeString(sigB64)
	if errData != nil || errSig != nil || dataB64 == "" || sigB64 == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "data and signature must be base64"}
	}
	protocolID, keyID, err := parseProtocolID(args)
	if err != nil {
		return nil, &rpcError{Code: rpcInvalidParams, Message: err.Error()}
	}
	counterparty, _ := args["counterparty"].(string)

	valid, err := s.deps.Wallet.Verify(ctx, data, sig, protocolID, keyID, counterparty)
	if err != nil {
		return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
	}
	return map[string]any{"valid": valid}, nil
}

// rpcCreateAction builds and broadcasts a transaction from output specs.
func (s *Server) rpcCreateAction(ctx context.Context, args map[string]any) (any, *rpcError) {
	rawOutputs, ok := args["outputs"].([]any)
	if !ok || len(rawOutputs) == 0 {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "outputs required"}
	}
	outputs := make([]wallet.Output, 0, len(rawOutputs))
	for _, ro := range rawOutputs {
		spec, ok := ro.(map[string]any)
		if !ok {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "each output must be an object"}
		}
		sats, _ := spec["satoshis"].(float64)
		scriptHex, _ := spec["lockingScript"].(string)
		script, err := decodeHex(scriptHex)
		if err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "lockingScript must be hex"}
		}
		note, _ := spec["description"].(string)
		outputs = append(outputs, wallet.Output{Satoshis: int64(sats), Script: script, Note: note})
	}
	description, _ := args["description"].(string)

	result, err := s.deps.Wallet.BuildAndBroadcastPayment(ctx, outputs, description, nil)
	if err != nil {
		return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
	}
	return map[string]any{
		"txid": result.Txid,
		"tx":   base64.StdEncoding.EncodeToString(result.RawTx),
	}, nil
}

func (s *Server) rpcInternalizeAction(ctx context.Context, args map[string]any) (any, *rpcError) {
	txB64, _ := args["tx"].(string)
	rawTx, err := base64.StdEncoding.DecodeString(txB64)
	if err != nil || txB64 == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "tx must be base64"}
	}
	prefix, _ := args["derivationPrefix"].(string)
	suffix, _ := args["derivationSuffix"].(string)
	sender, _ := args["senderIdentityKey"].(string)
	outputIndex := 0
	if idx, ok := args["outputIndex"].(float64); ok {
		outputIndex = int(idx)
	}
	description, _ := args["description"].(string)

	result, err := s.deps.Wallet.InternalizePayment(ctx, rawTx, outputIndex, prefix, suffix, sender, description)
	if err != nil {
		return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
	}
	return map[string]any{"accepted": true, "satoshis": result.AcceptedSats}, nil
}

func (s *Server) rpcCreateChallenge(ctx context.Context, args map[string]any) (any, *rpcError) {
	capName, _ := args["capability"].(string)
	if capName == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "capability required"}
	}
	resp := s.deps.Dispatcher.Dispatch(ctx, payment.CallRequest{Capability: capName})
	if resp.Status != http.StatusPaymentRequired {
		return nil, &rpcError{Code: rpcServerError, Message: fmt.Sprintf("unexpected status %d", resp.Status)}
	}
	return resp.Body, nil
}

func (s *Server) rpcVerifyPayment(ctx context.Context, args map[string]any) (any, *rpcError) {
	txB64, _ := args["transaction"].(string)
	rawTx, err := base64.StdEncoding.DecodeString(txB64)
	if err != nil || txB64 == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "transaction must be base64"}
	}
	prefix, _ := args["derivationPrefix"].(string)
	suffix, _ := args["derivationSuffix"].(string)
	if suffix == "" {
		suffix = "clawsats"
	}
	sender, _ := args["senderIdentityKey"].(string)

	result, err := s.deps.Wallet.InternalizePayment(ctx, rawTx, 0, prefix, suffix, sender, "verifyPayment")
	if err != nil {
		return map[string]any{"valid": false, "reason": err.Error()}, nil
	}
	return map[string]any{"valid": true, "satoshis": result.AcceptedSats}, nil
}

// rpcSendInvitation creates a signed invitation and delivers it to the
// recipient's invite endpoint.
func (s *Server) rpcSendInvitation(ctx context.Context, args map[string]any) (any, *rpcError) {
	endpoint, _ := args["endpoint"].(string)
	if endpoint == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "endpoint required"}
	}
	recipient := types.PartyRef{Endpoint: endpoint}
	if key, ok := args["identityKey"].(string); ok {
		recipient.IdentityKey = key
	}
	if clawID, ok := args["clawId"].(string); ok {
		recipient.ClawID = clawID
	}

	inv, err := s.deps.Invites.CreateInvitation(ctx, recipient)
	if err != nil {
		return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
	}
	status, reply, err := postJSON(ctx, endpoint, "/wallet/invite", inv)
	if err != nil {
		return nil, &rpcError{Code: rpcServerError, Message: fmt.Sprintf("invite delivery failed: %v", err)}
	}
	return map[string]any{
		"delivered":  status == http.StatusOK,
		"status":     status,
		"invitation": inv,
		"reply":      reply,
	}, nil
}

func (s *Server) rpcHireClaw(args map[string]any) (any, *rpcError) {
	capName, _ := args["capability"].(string)
	if capName == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "capability required"}
	}
	params, _ := args["params"].(map[string]any)
	maxSats := int64(0)
	if ms, ok := args["maxSats"].(float64); ok {
		maxSats = int64(ms)
	}
	endpoint, _ := args["endpoint"].(string)

	job, err := s.deps.Jobs.Enqueue(brain.EnqueueInput{
		Capability: capName,
		Params:     params,
		Strategy:   types.StrategyHire,
		MaxSats:    maxSats,
	})
	if err != nil {
		return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
	}
	if endpoint != "" {
		job.SelectedEndpoint = endpoint
		if err := s.deps.Jobs.Update(*job); err != nil {
			return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
		}
	}
	return map[string]any{"jobId": job.ID, "status": job.Status}, nil
}

func (s *Server) rpcEnqueue(args map[string]any) (any, *rpcError) {
	capName, _ := args["capability"].(string)
	if capName == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "capability required"}
	}
	params, _ := args["params"].(map[string]any)
	input := brain.EnqueueInput{Capability: capName, Params: params}
	if strategy, ok := args["strategy"].(string); ok {
		input.Strategy = types.JobStrategy(strategy)
	}
	if maxSats, ok := args["maxSats"].(float64); ok {
		input.MaxSats = int64(maxSats)
	}
	if priority, ok := args["priority"].(float64); ok {
		input.Priority = int(priority)
	}
	if persist, ok := args["persistResult"].(bool); ok {
		input.PersistResult = persist
	}
	if key, ok := args["memoryKey"].(string); ok {
		input.MemoryKey = key
	}
	if category, ok := args["memoryCategory"].(string); ok {
		input.MemoryCategory = category
	}

	job, err := s.deps.Jobs.Enqueue(input)
	if err != nil {
		return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
	}
	return job, nil
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	return hex.DecodeString(s)
}

// postJSON delivers a JSON body to base+path with the invite timeout.
func postJSON(ctx context.Context, base, path string, body any) (int, map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, invitePostTimeout)
	defer cancel()

	target, err := url.JoinPath(base, path)
	if err != nil {
		return 0, nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var reply map[string]any
	json.NewDecoder(resp.Body).Decode(&reply)
	return resp.StatusCode, reply, nil
}
