package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/ledger"
	"github.com/ocx/backend/internal/membership"
	"github.com/ocx/backend/internal/sessionhub"
)

// conversationsHandlers holds every collaborator the conversation/
// member/credit endpoints touch. Kept as one struct (teacher's
// APIServer style in internal/api/server.go) rather than one per
// resource, since every handler shares the same auth middleware and
// envelope helpers.
type conversationsHandlers struct {
	convoSvc *ConversationService
	members  *membership.Service
	ledger   *ledger.Ledger
}

type sendMessageRequest struct {
	Content     string                 `json:"content"`
	Attachments []domain.Attachment    `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (h *conversationsHandlers) postMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_request", "invalid JSON body"))
		return
	}

	msg, err := h.convoSvc.SendMessage(r.Context(), conversationID, userID, sessionhub.SendMessagePayload{
		ConversationID: conversationID,
		Content:        req.Content,
		Attachments:    req.Attachments,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, msg)
}

func (h *conversationsHandlers) postInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]
	var req struct {
		InviteeUserID string `json:"inviteeUserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_request", "invalid JSON body"))
		return
	}
	m, err := h.members.Invite(r.Context(), conversationID, req.InviteeUserID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (h *conversationsHandlers) postJoin(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]
	m, err := h.members.Join(r.Context(), conversationID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (h *conversationsHandlers) postLeave(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]
	if err := h.members.Leave(r.Context(), conversationID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"left": true})
}

func (h *conversationsHandlers) postKick(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	vars := mux.Vars(r)
	if err := h.members.Kick(r.Context(), vars["id"], vars["userId"], userID); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"kicked": true})
}

func (h *conversationsHandlers) postTransferOwnership(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]
	var req struct {
		NewOwnerUserID string `json:"newOwnerUserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_request", "invalid JSON body"))
		return
	}
	if err := h.members.TransferOwnership(r.Context(), conversationID, userID, req.NewOwnerUserID); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"transferred": true})
}

func (h *conversationsHandlers) postInviteToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]
	token, err := h.members.GenerateInviteToken(r.Context(), conversationID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"token": token})
}

func (h *conversationsHandlers) postAcceptInviteToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "bad_request", "invalid JSON body"))
		return
	}
	m, err := h.members.AcceptInviteToken(r.Context(), req.Token, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (h *conversationsHandlers) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, errs.ErrUnauthorized)
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]domain.Money{"balance": balance})
}
