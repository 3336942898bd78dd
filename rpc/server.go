// Package rpc exposes the commerce engines over a REST surface. Handlers
// translate between HTTP and the engines; no business rules live here.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"acpcore/native/agreement"
	"acpcore/native/discovery"
	"acpcore/native/escrow"
	"acpcore/native/prediction"
	"acpcore/native/registry"
)

// Server bundles the engine handles the REST surface fronts.
type Server struct {
	Registry   *registry.Engine
	Agreements *agreement.Store
	Escrows    *escrow.Engine
	Discovery  *discovery.Engine
	Ledger     *prediction.Ledger
}

// Handler builds the chi router for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(traced)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/agents", func(ar chi.Router) {
			ar.Get("/", s.listAgents)
			ar.Post("/", s.registerAgent)
			ar.Get("/{id}", s.getAgent)
			ar.Get("/{id}/services", s.listAgentServices)
			ar.Post("/{id}/services", s.listService)
		})
		v1.Route("/services", func(sr chi.Router) {
			sr.Get("/", s.searchServices)
			sr.Get("/{id}", s.getService)
			sr.Post("/{id}/ratings", s.rateService)
		})
		v1.Route("/agreements", func(gr chi.Router) {
			gr.Get("/", s.listAgreements)
			gr.Post("/", s.createAgreement)
			gr.Get("/{id}", s.getAgreement)
			gr.Post("/{id}/signatures", s.attachSignature)
			gr.Post("/{id}/amendments", s.amendAgreement)
		})
		v1.Route("/escrows", func(er chi.Router) {
			er.Get("/", s.listEscrows)
			er.Post("/", s.createEscrow)
			er.Get("/{id}", s.getEscrow)
			er.Post("/{id}/fund", s.escrowAction(s.Escrows.Fund))
			er.Post("/{id}/release", s.escrowAction(s.Escrows.Release))
			er.Post("/{id}/refund", s.escrowAction(s.Escrows.Refund))
			er.Post("/{id}/dispute", s.escrowAction(s.Escrows.Dispute))
			er.Post("/{id}/resolve", s.resolveEscrow)
		})
		v1.Route("/discovery", func(dr chi.Router) {
			dr.Post("/query", s.discoverServices)
			dr.Post("/hire", s.quickHire)
		})
		v1.Route("/predictions", func(pr chi.Router) {
			pr.Get("/", s.listPredictions)
			pr.Post("/", s.submitPrediction)
			pr.Post("/resolve", s.resolveMarket)
			pr.Get("/leaderboard", s.leaderboard)
		})
	})

	return r
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// writeError maps engine sentinel errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, agreement.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, prediction.ErrNotFound),
		errors.Is(err, discovery.ErrNoMatch):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrConflict),
		errors.Is(err, agreement.ErrConflict),
		errors.Is(err, prediction.ErrConflict),
		errors.Is(err, agreement.ErrInvalidState),
		errors.Is(err, escrow.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, agreement.ErrUnauthorized),
		errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrConditions):
		status = http.StatusPreconditionFailed
	case errors.Is(err, registry.ErrValidation),
		errors.Is(err, agreement.ErrValidation),
		errors.Is(err, escrow.ErrValidation),
		errors.Is(err, prediction.ErrValidation),
		errors.Is(err, discovery.ErrValidation),
		errors.Is(err, agreement.ErrIntegrity):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrExternal):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return false
	}
	return true
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("category") != "" || q.Get("capability") != "" || q.Get("q") != "" || q.Get("minRating") != "" {
		writeJSON(w, http.StatusOK, s.Registry.SearchAgents(searchFilters(q.Get("category"), q.Get("capability"), q.Get("maxPrice"), q.Get("minRating"), q.Get("q"))))
		return
	}
	writeJSON(w, http.StatusOK, s.Registry.ListAgents())
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var profile registry.AgentProfile
	if !decodeBody(w, r, &profile) {
		return
	}
	registered, err := s.Registry.Register(r.Context(), &profile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) listAgentServices(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if _, err := s.Registry.Get(agentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Registry.ListServicesByAgent(agentID))
}

func (s *Server) listService(w http.ResponseWriter, r *http.Request) {
	var listing registry.ServiceListing
	if !decodeBody(w, r, &listing) {
		return
	}
	created, err := s.Registry.ListService(r.Context(), chi.URLParam(r, "id"), &listing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func searchFilters(category, capability, maxPrice, minRating, query string) registry.SearchFilters {
	filters := registry.SearchFilters{
		Category:   category,
		Capability: capability,
		Query:      query,
	}
	if maxPrice != "" {
		if price, ok := new(big.Int).SetString(maxPrice, 10); ok {
			filters.MaxPrice = price
		}
	}
	if minRating != "" {
		if rating, err := strconv.ParseFloat(minRating, 64); err == nil {
			filters.MinRating = rating
		}
	}
	return filters
}

func (s *Server) searchServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.Registry.SearchServices(searchFilters(q.Get("category"), q.Get("capability"), q.Get("maxPrice"), q.Get("minRating"), q.Get("q"))))
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	service, err := s.Registry.GetService(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, service)
}

func (s *Server) rateService(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rater  string `json:"rater"`
		Rating int    `json:"rating"`
		Review string `json:"review"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rating, err := s.Registry.RateService(r.Context(), chi.URLParam(r, "id"), body.Rater, body.Rating, body.Review)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (s *Server) listAgreements(w http.ResponseWriter, r *http.Request) {
	party := strings.TrimSpace(r.URL.Query().Get("party"))
	if party == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "party query parameter required"})
		return
	}
	writeJSON(w, http.StatusOK, s.Agreements.ListByPartyAddress(party))
}

func (s *Server) createAgreement(w http.ResponseWriter, r *http.Request) {
	var draft agreement.Agreement
	if !decodeBody(w, r, &draft) {
		return
	}
	created, err := s.Agreements.Create(r.Context(), &draft)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.Agreements.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) attachSignature(w http.ResponseWriter, r *http.Request) {
	var env agreement.SignatureEnvelope
	if !decodeBody(w, r, &env) {
		return
	}
	signed, err := s.Agreements.AttachSignature(r.Context(), chi.URLParam(r, "id"), env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

func (s *Server) amendAgreement(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Signer  string            `json:"signer"`
		Changes agreement.Changes `json:"changes"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	amended, err := s.Agreements.Amend(r.Context(), chi.URLParam(r, "id"), body.Changes, body.Signer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, amended)
}

func (s *Server) listEscrows(w http.ResponseWriter, r *http.Request) {
	if party := strings.TrimSpace(r.URL.Query().Get("party")); party != "" {
		writeJSON(w, http.StatusOK, s.Escrows.ListByParty(party))
		return
	}
	writeJSON(w, http.StatusOK, s.Escrows.List())
}

func (s *Server) createEscrow(w http.ResponseWriter, r *http.Request) {
	var draft escrow.Escrow
	if !decodeBody(w, r, &draft) {
		return
	}
	created, err := s.Escrows.Create(r.Context(), &draft)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	esc, err := s.Escrows.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// escrowAction adapts the shared fund/release/refund/dispute signature into
// a handler taking {actor} in the body.
func (s *Server) escrowAction(action func(ctx context.Context, id, actor string) (*escrow.Escrow, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Actor string `json:"actor"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		esc, err := action(r.Context(), chi.URLParam(r, "id"), body.Actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, esc)
	}
}

func (s *Server) resolveEscrow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor           string `json:"actor"`
		ReleaseToSeller bool   `json:"releaseToSeller"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	esc, err := s.Escrows.Resolve(r.Context(), chi.URLParam(r, "id"), body.Actor, body.ReleaseToSeller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) discoverServices(w http.ResponseWriter, r *http.Request) {
	var req discovery.Request
	if !decodeBody(w, r, &req) {
		return
	}
	matches, err := s.Discovery.Discover(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) quickHire(w http.ResponseWriter, r *http.Request) {
	var req discovery.Request
	if !decodeBody(w, r, &req) {
		return
	}
	match, outcome, err := s.Discovery.QuickHire(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"match": match, "outcome": outcome})
}

func (s *Server) listPredictions(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent"))
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "agent query parameter required"})
		return
	}
	writeJSON(w, http.StatusOK, s.Ledger.ListByAgent(agentID))
}

func (s *Server) submitPrediction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID     string  `json:"agentId"`
		MarketSlug  string  `json:"marketSlug"`
		Probability float64 `json:"probability"`
		Rationale   string  `json:"rationale"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p, err := s.Ledger.Submit(r.Context(), body.AgentID, body.MarketSlug, body.Probability, body.Rationale)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MarketSlug string `json:"marketSlug"`
		Outcome    int    `json:"outcome"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	resolved, err := s.Ledger.Resolve(r.Context(), body.MarketSlug, body.Outcome)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) leaderboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Ledger.Leaderboard())
}
