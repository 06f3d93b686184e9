package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"clawmarket/gateway/middleware"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// Server is the HTTP front-end for marketplace interactions.
type Server struct {
	authenticator *Authenticator
	readAuth      *middleware.Authenticator
	obs           *middleware.Observability
	node          NodeClient
	store         *SQLiteStore
	router        chi.Router
	nowFn         func() time.Time
}

func NewServer(auth *Authenticator, readAuth *middleware.Authenticator, obs *middleware.Observability, node NodeClient, store *SQLiteStore, ratePerMinute float64) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if readAuth == nil {
		readAuth = middleware.NewAuthenticator(middleware.AuthConfig{}, nil)
	}
	if obs == nil {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{}, nil)
	}
	s := &Server{
		authenticator: auth,
		readAuth:      readAuth,
		obs:           obs,
		node:          node,
		store:         store,
		nowFn:         time.Now,
	}
	s.router = s.buildRouter(ratePerMinute)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter(ratePerMinute float64) chi.Router {
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"api": {RequestsPerMinute: ratePerMinute, Burst: int(ratePerMinute)},
	}, log.Default())
	cors := middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", headerIdempotencyKey, headerAPIKey, headerTimestamp, headerNonce, headerSignature},
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cors)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.obs.MetricsHandler())
	r.Route("/api", func(api chi.Router) {
		api.Use(s.obs.Middleware("market"))
		api.Use(limiter.Middleware("api"))

		api.Post("/needs", s.mutation(s.createNeed))
		api.Post("/needs/{id}/cancel", s.mutation(s.cancelNeed))

		api.Post("/offers", s.mutation(s.createOffer))
		api.Post("/offers/{id}/cancel", s.mutation(s.cancelOffer))
		api.Post("/offers/{id}/accept", s.mutation(s.acceptOffer))

		api.Post("/deals/{id}/delivery", s.mutation(s.submitDelivery))
		api.Post("/deals/{id}/confirm", s.mutation(s.confirmDelivery))
		api.Post("/deals/{id}/dispute", s.mutation(s.raiseDispute))
		api.Post("/deals/{id}/resolve", s.mutation(s.resolveDispute))

		api.Post("/barters", s.mutation(s.createBarter))
		api.Post("/barters/{id}/accept", s.mutation(s.acceptBarter))
		api.Post("/barters/{id}/cancel", s.mutation(s.cancelBarter))
		api.Post("/barters/{id}/delivery", s.mutation(s.submitBarterDelivery))
		api.Post("/barters/{id}/confirm", s.mutation(s.confirmBarterSide))
		api.Post("/barters/{id}/dispute", s.mutation(s.disputeBarter))

		// Read routes are open by default; configuring a bearer secret puts
		// them behind JWT with the market.read scope.
		api.Group(func(read chi.Router) {
			read.Use(s.readAuth.Middleware("market.read"))

			read.Get("/needs", s.handleListNeeds)
			read.Get("/needs/creator/{address}", s.handleNeedsByCreator)
			read.Get("/needs/{id}", s.handleGetNeed)
			read.Get("/offers", s.handleListOffers)
			read.Get("/offers/provider/{address}", s.handleOffersByProvider)
			read.Get("/offers/{id}", s.handleGetOffer)
			read.Get("/deals", s.handleListDeals)
			read.Get("/deals/user/{address}", s.handleDealsByUser)
			read.Get("/deals/{id}", s.handleGetDeal)
			read.Get("/barters", s.handleListBarters)
			read.Get("/barters/{id}", s.handleGetBarter)

			read.Get("/stats", s.handleStats)
			read.Get("/profile/{address}", s.handleProfile)
			read.Get("/balance/{address}", s.handleBalance)
			read.Get("/events", s.handleEvents)
		})
	})
	return r
}

// mutationResult is what a mutation handler produces on success.
type mutationResult struct {
	Status  int
	Payload interface{}
}

type mutationFunc func(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error)

// mutation wraps a handler with the authenticated write pipeline: HMAC
// verification, mandatory idempotency key, cached replay, and audit logging
// on every exit path.
func (s *Server) mutation(fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.readRequestBody(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		principal, err := s.authenticator.Authenticate(r, body)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, errorPayload(err))
			return
		}
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			err := errors.New("missing Idempotency-Key header")
			s.writeError(w, http.StatusBadRequest, err)
			s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorPayload(err))
			return
		}
		requestHash := hashRequest(r.Method, canonicalRequestPath(r), body)
		cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
		if cacheErr != nil {
			status := http.StatusInternalServerError
			if errors.Is(cacheErr, ErrIdempotencyMismatch) {
				status = http.StatusConflict
			}
			s.writeError(w, status, cacheErr)
			s.audit(r.Context(), principal, r, body, status, errorPayload(cacheErr))
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		result, err := fn(ctx, r, body)
		if err != nil {
			status := statusForNodeError(err)
			s.writeError(w, status, err)
			s.audit(r.Context(), principal, r, body, status, errorPayload(err))
			return
		}

		payload, err := json.Marshal(result.Payload)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorPayload(err))
			return
		}
		if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, result.Status, payload); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorPayload(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(result.Status)
		_, _ = w.Write(payload)
		s.audit(r.Context(), principal, r, body, result.Status, payload)
	}
}

func (s *Server) createNeed(ctx context.Context, _ *http.Request, body []byte) (*mutationResult, error) {
	var req NeedCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	if strings.TrimSpace(req.Creator) == "" {
		return nil, badRequestf("creator is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, badRequestf("title is required")
	}
	if strings.TrimSpace(req.Budget) == "" {
		return nil, badRequestf("budget is required")
	}
	need, err := s.node.CreateNeed(ctx, req)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusCreated, Payload: need}, nil
}

func (s *Server) cancelNeed(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req struct {
		Creator string `json:"creator"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	need, err := s.node.CancelNeed(ctx, id, req.Creator)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusOK, Payload: need}, nil
}

func (s *Server) createOffer(ctx context.Context, _ *http.Request, body []byte) (*mutationResult, error) {
	var req OfferCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	if req.NeedID == 0 {
		return nil, badRequestf("needId is required")
	}
	if strings.TrimSpace(req.Provider) == "" {
		return nil, badRequestf("provider is required")
	}
	if strings.TrimSpace(req.Price) == "" {
		return nil, badRequestf("price is required")
	}
	offer, err := s.node.CreateOffer(ctx, req)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusCreated, Payload: offer}, nil
}

func (s *Server) cancelOffer(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	offer, err := s.node.CancelOffer(ctx, id, req.Provider)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusOK, Payload: offer}, nil
}

func (s *Server) acceptOffer(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	offerID, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req struct {
		NeedID uint64 `json:"needId"`
		Client string `json:"client"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	if req.NeedID == 0 {
		return nil, badRequestf("needId is required")
	}
	deal, err := s.node.AcceptOffer(ctx, req.NeedID, offerID, req.Client)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusCreated, Payload: deal}, nil
}

func (s *Server) submitDelivery(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req DeliveryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	req.DealID = id
	if strings.TrimSpace(req.DeliveryHash) == "" {
		return nil, badRequestf("deliveryHash is required")
	}
	deal, err := s.node.SubmitDelivery(ctx, req)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusOK, Payload: deal}, nil
}

func (s *Server) confirmDelivery(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req struct {
		Client   string `json:"client"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	deal, err := s.node.ConfirmDelivery(ctx, id, req.Client, req.Provider)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusOK, Payload: deal}, nil
}

func (s *Server) raiseDispute(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req struct {
		Caller string `json:"caller"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	deal, err := s.node.RaiseDispute(ctx, id, req.Caller, req.Reason)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusOK, Payload: deal}, nil
}

func (s *Server) resolveDispute(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req struct {
		Caller  string `json:"caller"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	deal, err := s.node.ResolveDispute(ctx, id, req.Caller, req.Outcome)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusOK, Payload: deal}, nil
}

func (s *Server) createBarter(ctx context.Context, _ *http.Request, body []byte) (*mutationResult, error) {
	var req BarterCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	if strings.TrimSpace(req.Initiator) == "" {
		return nil, badRequestf("initiator is required")
	}
	if strings.TrimSpace(req.WhatIOffer) == "" {
		return nil, badRequestf("whatIOffer is required")
	}
	if strings.TrimSpace(req.WhatIWant) == "" {
		return nil, badRequestf("whatIWant is required")
	}
	barter, err := s.node.CreateBarter(ctx, req)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusCreated, Payload: barter}, nil
}

func (s *Server) acceptBarter(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	return s.barterActor(ctx, r, body, s.node.AcceptBarter)
}

func (s *Server) cancelBarter(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	return s.barterActor(ctx, r, body, s.node.CancelBarter)
}

func (s *Server) confirmBarterSide(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	return s.barterActor(ctx, r, body, s.node.ConfirmBarterSide)
}

func (s *Server) barterActor(ctx context.Context, r *http.Request, body []byte, call func(context.Context, uint64, string) (*BarterState, error)) (*mutationResult, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	barter, err := call(ctx, id, req.Caller)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusOK, Payload: barter}, nil
}

func (s *Server) submitBarterDelivery(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req BarterDeliveryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	req.BarterID = id
	if strings.TrimSpace(req.Hash) == "" {
		return nil, badRequestf("hash is required")
	}
	barter, err := s.node.SubmitBarterDelivery(ctx, req)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusOK, Payload: barter}, nil
}

func (s *Server) disputeBarter(ctx context.Context, r *http.Request, body []byte) (*mutationResult, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req struct {
		Caller string `json:"caller"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, badRequestf("invalid JSON payload: %v", err)
	}
	barter, err := s.node.DisputeBarter(ctx, id, req.Caller, req.Reason)
	if err != nil {
		return nil, err
	}
	return &mutationResult{Status: http.StatusOK, Payload: barter}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleListNeeds(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	needs, err := s.node.ListNeeds(ctx, r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, needs)
}

func (s *Server) handleGetNeed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	need, err := s.node.GetNeed(ctx, id)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, need)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	var needID *uint64
	if raw := r.URL.Query().Get("needId"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid needId: %q", raw))
			return
		}
		needID = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	offers, err := s.node.ListOffers(ctx, needID)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	offer, err := s.node.GetOffer(ctx, id)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	deals, err := s.node.ListDeals(ctx)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, deals)
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	deal, err := s.node.GetDeal(ctx, id)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, deal)
}

func (s *Server) handleListBarters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	barters, err := s.node.ListBarters(ctx, r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, barters)
}

func (s *Server) handleGetBarter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	barter, err := s.node.GetBarter(ctx, id)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, barter)
}

// MarketStats is an aggregate snapshot assembled from node list queries.
type MarketStats struct {
	OpenNeeds        int    `json:"openNeeds"`
	ActiveDeals      int    `json:"activeDeals"`
	CompletedDeals   int    `json:"completedDeals"`
	DisputedDeals    int    `json:"disputedDeals"`
	OpenBarters      int    `json:"openBarters"`
	CompletedBarters int    `json:"completedBarters"`
	EscrowVolume     string `json:"escrowVolume"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	needs, err := s.node.ListNeeds(ctx, "open")
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	deals, err := s.node.ListDeals(ctx)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	barters, err := s.node.ListBarters(ctx, "")
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	stats := MarketStats{OpenNeeds: len(needs)}
	volume := int64(0)
	for _, deal := range deals {
		switch deal.Status {
		case "completed":
			stats.CompletedDeals++
			if amount, err := strconv.ParseInt(deal.Amount, 10, 64); err == nil {
				volume += amount
			}
		case "disputed":
			stats.DisputedDeals++
		case "cancelled":
		default:
			stats.ActiveDeals++
		}
	}
	for _, barter := range barters {
		switch barter.Status {
		case "open":
			stats.OpenBarters++
		case "completed":
			stats.CompletedBarters++
		}
	}
	stats.EscrowVolume = strconv.FormatInt(volume, 10)
	s.writeJSON(w, http.StatusOK, stats)
}

// ProfileView summarises one address's marketplace activity. Reputation is
// the completed share of deals the address took part in.
type ProfileView struct {
	Address        string  `json:"address"`
	Balance        string  `json:"balance"`
	NeedsCreated   int     `json:"needsCreated"`
	DealsAsClient  int     `json:"dealsAsClient"`
	DealsAsWorker  int     `json:"dealsAsProvider"`
	CompletedDeals int     `json:"completedDeals"`
	DisputedDeals  int     `json:"disputedDeals"`
	Earned         string  `json:"earned"`
	Spent          string  `json:"spent"`
	Reputation     float64 `json:"reputation"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("address required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	balance, err := s.node.GetBalance(ctx, address)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	needs, err := s.node.ListNeeds(ctx, "")
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	deals, err := s.node.ListDeals(ctx)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	profile := ProfileView{Address: address, Balance: balance.Balance}
	for _, need := range needs {
		if need.Creator == address {
			profile.NeedsCreated++
		}
	}
	earned, spent := int64(0), int64(0)
	for _, deal := range deals {
		asClient := deal.Client == address
		asProvider := deal.Provider == address
		if asClient {
			profile.DealsAsClient++
		}
		if asProvider {
			profile.DealsAsWorker++
		}
		if !asClient && !asProvider {
			continue
		}
		switch deal.Status {
		case "completed":
			profile.CompletedDeals++
			if amount, err := strconv.ParseInt(deal.Amount, 10, 64); err == nil {
				if asProvider {
					earned += amount
				}
				if asClient {
					spent += amount
				}
			}
		case "disputed":
			profile.DisputedDeals++
		}
	}
	profile.Earned = strconv.FormatInt(earned, 10)
	profile.Spent = strconv.FormatInt(spent, 10)
	if total := profile.DealsAsClient + profile.DealsAsWorker; total > 0 {
		profile.Reputation = float64(profile.CompletedDeals) / float64(total)
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleNeedsByCreator(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("address required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	needs, err := s.node.ListNeeds(ctx, "")
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	matched := make([]NeedState, 0, len(needs))
	for _, need := range needs {
		if need.Creator == address {
			matched = append(matched, need)
		}
	}
	s.writeJSON(w, http.StatusOK, matched)
}

func (s *Server) handleOffersByProvider(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("address required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	offers, err := s.node.ListOffers(ctx, nil)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	matched := make([]OfferState, 0, len(offers))
	for _, offer := range offers {
		if offer.Provider == address {
			matched = append(matched, offer)
		}
	}
	s.writeJSON(w, http.StatusOK, matched)
}

func (s *Server) handleDealsByUser(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("address required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	deals, err := s.node.ListDeals(ctx)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	matched := make([]DealState, 0, len(deals))
	for _, deal := range deals {
		if deal.Client == address || deal.Provider == address {
			matched = append(matched, deal)
		}
	}
	s.writeJSON(w, http.StatusOK, matched)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("address required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	balance, err := s.node.GetBalance(ctx, address)
	if err != nil {
		s.writeError(w, statusForNodeError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after := uint64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after cursor: %q", raw))
			return
		}
		after = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %q", raw))
			return
		}
		limit = parsed
	}
	events, err := s.store.ListEvents(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorPayload(err))
}

func (s *Server) audit(ctx context.Context, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	_ = s.store.InsertAuditLog(ctx, entry)
}

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequestf(format string, args ...interface{}) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

func statusForNodeError(err error) int {
	var badReq *badRequestError
	if errors.As(err, &badReq) {
		return http.StatusBadRequest
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		switch nodeErr.Code {
		case -32021:
			return http.StatusBadRequest
		case -32022:
			return http.StatusNotFound
		case -32023:
			return http.StatusForbidden
		case -32024, -32026:
			return http.StatusConflict
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusBadGateway
}

func errorPayload(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func pathID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequestf("invalid id: %q", raw)
	}
	return id, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
