package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/ledger"
	"github.com/ocx/backend/internal/membership"
	"github.com/ocx/backend/internal/sessionhub"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/usage"
)

// Server wires together the REST surface and the WebSocket upgrade
// endpoint behind one gorilla/mux router, following the teacher's
// internal/api/server.go shape (one struct holding the router). It is an
// http.Handler; the caller owns the listener.
type Server struct {
	router *mux.Router
	log    zerolog.Logger
}

type Deps struct {
	Convos         store.RelationalStore
	ConvoSvc       *ConversationService
	Members        *membership.Service
	Ledger         *ledger.Ledger
	Costs          *usage.CostTable
	Jobs           jobCanceller
	Hub            *sessionhub.Hub
	Verifier       sessionhub.TokenVerifier
	AllowedOrigins []string
	Log            zerolog.Logger
}

func NewServer(d Deps) *Server {
	h := &conversationsHandlers{convoSvc: d.ConvoSvc, members: d.Members, ledger: d.Ledger}
	jh := &jobsHandlers{convos: d.Convos, jobs: d.Jobs}
	ch := &creditsHandlers{convos: d.Convos, ledger: d.Ledger, costs: d.Costs}
	ih := &imageGenHandlers{jobs: d.Jobs}

	r := mux.NewRouter()
	r.Use(corsMiddleware(d.AllowedOrigins))

	r.HandleFunc("/api/v1/ws", d.Hub.HandleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(requireAuth(d.Verifier))

	api.HandleFunc("/conversations/{id}/messages", h.postMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/members/invite", h.postInvite).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/members/join", h.postJoin).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/members/leave", h.postLeave).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/members/{userId}/kick", h.postKick).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/members/transfer-owner", h.postTransferOwnership).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/invite-token", h.postInviteToken).Methods(http.MethodPost)
	api.HandleFunc("/invite-token/accept", h.postAcceptInviteToken).Methods(http.MethodPost)
	api.HandleFunc("/credits/balance", h.getBalance).Methods(http.MethodGet)
	api.HandleFunc("/credits/daily-reward", ch.postDailyReward).Methods(http.MethodPost)
	api.HandleFunc("/credits/transactions", ch.getTransactions).Methods(http.MethodGet)
	api.HandleFunc("/credits/estimate-cost", ch.postEstimateCost).Methods(http.MethodPost)
	api.HandleFunc("/image-generation/character-dataset", ih.postCharacterDataset).Methods(http.MethodPost)
	api.HandleFunc("/image-generation/job/{jobId}", jh.getJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", jh.getJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", jh.postCancel).Methods(http.MethodPost)

	return &Server{router: r, log: d.Log.With().Str("component", "httpapi").Logger()}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Router exposes the underlying mux.Router so main can mount process-wide
// routes (metrics, health) alongside the API surface.
func (s *Server) Router() *mux.Router { return s.router }

type jobsHandlers struct {
	convos store.RelationalStore
	jobs   jobCanceller
}

func (h *jobsHandlers) getJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	if id == "" {
		id = vars["jobId"]
	}
	job, err := h.convos.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindTransient, "job_lookup_failed", "could not load job", err))
		return
	}
	if job == nil {
		writeError(w, errs.ErrNotFound)
		return
	}
	writeData(w, http.StatusOK, job)
}

type jobCanceller interface {
	Cancel(ctx context.Context, jobID domain.ID) error
	Enqueue(ctx context.Context, j domain.Job) (domain.ID, error)
}

func (h *jobsHandlers) postCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"cancelled": true})
}
