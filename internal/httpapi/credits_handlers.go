package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/imagejob"
	"github.com/ocx/backend/internal/ledger"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/usage"
)

const defaultTransactionsLimit = 50

// creditsHandlers backs the credits endpoints that don't fit
// conversationsHandlers' message/membership focus: daily reward claims,
// the transaction ledger, and pre-flight cost estimates (§6.2).
type creditsHandlers struct {
	convos store.RelationalStore
	ledger *ledger.Ledger
	costs  *usage.CostTable
}

func (h *creditsHandlers) postDailyReward(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	txnID, granted, err := h.ledger.ClaimDaily(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"granted": granted, "transactionId": txnID})
}

func (h *creditsHandlers) getTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	limit := defaultTransactionsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	txns, err := h.convos.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindTransient, "transactions_lookup_failed", "could not load transactions", err))
		return
	}
	writeData(w, http.StatusOK, txns)
}

type estimateCostRequest struct {
	ServiceKey string  `json:"serviceKey"`
	Units      float64 `json:"units"`
}

func (h *creditsHandlers) postEstimateCost(w http.ResponseWriter, r *http.Request) {
	if _, ok := userIDFrom(r); !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	var req estimateCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_request", "invalid JSON body"))
		return
	}
	cost, ok := h.costs.EstimateCost(req.ServiceKey, req.Units)
	if !ok {
		writeError(w, errs.New(errs.KindValidation, "unknown_service", "no cost table entry for serviceKey"))
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"serviceKey": req.ServiceKey, "estimatedCost": cost})
}

// jobEnqueuer is the narrow JobEngine slice imageGenHandlers needs.
type jobEnqueuer interface {
	Enqueue(ctx context.Context, j domain.Job) (domain.ID, error)
}

// imageGenHandlers backs the image-dataset generation endpoints,
// enqueuing against imagejob.Handler registered elsewhere under
// imagejob.JobType (§6.4).
type imageGenHandlers struct {
	jobs jobEnqueuer
}

func (h *imageGenHandlers) postCharacterDataset(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	var req struct {
		CharacterID       string        `json:"characterId"`
		PositivePrompt    string        `json:"positivePrompt"`
		NegativePrompt    string        `json:"negativePrompt"`
		InitialReferences []interface{} `json:"initialReferences,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_request", "invalid JSON body"))
		return
	}
	if req.CharacterID == "" {
		writeError(w, errs.New(errs.KindValidation, "bad_request", "characterId is required"))
		return
	}
	payload := map[string]interface{}{
		"characterId":    req.CharacterID,
		"positivePrompt": req.PositivePrompt,
		"negativePrompt": req.NegativePrompt,
	}
	if len(req.InitialReferences) > 0 {
		payload["initialReferences"] = req.InitialReferences
	}
	jobID, err := h.jobs.Enqueue(r.Context(), domain.Job{
		Type:        imagejob.JobType,
		OwnerUserID: userID,
		Priority:    5,
		DedupKey:    imagejob.JobType + ":" + req.CharacterID,
		Payload:     payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"jobId": string(jobID)})
}
