package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"clawmarket/core"
	"clawmarket/observability"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	defaultRatePerWindow   = 600
	rateLimitWindow        = time.Minute
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// ServerConfig carries the transport-level knobs for the RPC server.
type ServerConfig struct {
	AuthToken       string
	RateLimitPerMin int
	MaxBodyBytes    int64
}

type Server struct {
	node *core.Node

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
	ratePerMin   int
	maxBodyBytes int64
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	ratePerMin := cfg.RateLimitPerMin
	if ratePerMin <= 0 {
		ratePerMin = defaultRatePerWindow
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBytes
	}
	return &Server{
		node:         node,
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    strings.TrimSpace(cfg.AuthToken),
		ratePerMin:   ratePerMin,
		maxBodyBytes: maxBody,
	}
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint and the
// websocket event stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.maxBodyBytes)
			observability.ModuleMetrics().RecordThrottle("market", "payload_too_large")
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.dispatch(recorder, r, req)
	observability.ModuleMetrics().Observe(moduleForMethod(req.Method), req.Method, recorder.status, time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	handler, ok := s.route(req.Method)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
		return
	}
	if handler.mutating {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		source := clientSource(r)
		if !s.allowSource(source, time.Now()) {
			observability.ModuleMetrics().RecordThrottle("market", "rate_limit")
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", source)
			return
		}
	}
	handler.fn(w, r, req)
}

type methodHandler struct {
	fn       func(http.ResponseWriter, *http.Request, *RPCRequest)
	mutating bool
}

func (s *Server) route(method string) (methodHandler, bool) {
	switch method {
	case "market_initialize":
		return methodHandler{s.handleInitialize, true}, true
	case "market_mint":
		return methodHandler{s.handleMint, true}, true
	case "market_createNeed":
		return methodHandler{s.handleCreateNeed, true}, true
	case "market_createOffer":
		return methodHandler{s.handleCreateOffer, true}, true
	case "market_acceptOffer":
		return methodHandler{s.handleAcceptOffer, true}, true
	case "market_submitDelivery":
		return methodHandler{s.handleSubmitDelivery, true}, true
	case "market_confirmDelivery":
		return methodHandler{s.handleConfirmDelivery, true}, true
	case "market_cancelNeed":
		return methodHandler{s.handleCancelNeed, true}, true
	case "market_cancelOffer":
		return methodHandler{s.handleCancelOffer, true}, true
	case "market_raiseDispute":
		return methodHandler{s.handleRaiseDispute, true}, true
	case "market_resolveDispute":
		return methodHandler{s.handleResolveDispute, true}, true
	case "market_createBarter":
		return methodHandler{s.handleCreateBarter, true}, true
	case "market_acceptBarter":
		return methodHandler{s.handleAcceptBarter, true}, true
	case "market_cancelBarter":
		return methodHandler{s.handleCancelBarter, true}, true
	case "market_submitBarterDelivery":
		return methodHandler{s.handleSubmitBarterDelivery, true}, true
	case "market_confirmBarterSide":
		return methodHandler{s.handleConfirmBarterSide, true}, true
	case "market_disputeBarter":
		return methodHandler{s.handleDisputeBarter, true}, true
	case "market_getLedger":
		return methodHandler{s.handleGetLedger, false}, true
	case "market_getNeed":
		return methodHandler{s.handleGetNeed, false}, true
	case "market_listNeeds":
		return methodHandler{s.handleListNeeds, false}, true
	case "market_getOffer":
		return methodHandler{s.handleGetOffer, false}, true
	case "market_listOffers":
		return methodHandler{s.handleListOffers, false}, true
	case "market_getDeal":
		return methodHandler{s.handleGetDeal, false}, true
	case "market_listDeals":
		return methodHandler{s.handleListDeals, false}, true
	case "market_getBarter":
		return methodHandler{s.handleGetBarter, false}, true
	case "market_listBarters":
		return methodHandler{s.handleListBarters, false}, true
	case "market_getBalance":
		return methodHandler{s.handleGetBalance, false}, true
	case "market_getEscrowBalance":
		return methodHandler{s.handleGetEscrowBalance, false}, true
	}
	return methodHandler{}, false
}

func moduleForMethod(method string) string {
	if idx := strings.Index(method, "_"); idx > 0 {
		return method[:idx]
	}
	return "unknown"
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= s.ratePerMin {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
