/*
handlers.go - HTTP API handlers for the contract ledger

PURPOSE:
  Exposes the reconciliation engine and the local document mirror via REST.
  Handles HTTP request/response, JSON serialization, and delegates to the
  reconcile and exchange packages.

ENDPOINTS:
  Notifications (called by the ledger listener):
    POST   /api/notifications/documents    Document arrival
    POST   /api/notifications/signatures   Signature arrival

  Documents ({type} is contracts, usages or settlements):
    GET    /api/{type}                     List documents
    POST   /api/{type}                     Create draft
    GET    /api/{type}/{id}                Get document
    POST   /api/{type}/{id}/send           Publish draft (DRAFT -> SENT)

  Contracts:
    GET    /api/contracts/{id}/usages              Usages of a contract
    GET    /api/contracts/{id}/settlements         Settlements of a contract
    POST   /api/contracts/{id}/recompute-approval  Recompute isUsageApproved

  Reconcile:
    POST   /api/reconcile/poll             Poll the ledger now
    GET    /api/reconcile/runs             Poll history

  Scenarios (in-process ledger only):
    GET    /api/scenarios                  List demo scenarios
    POST   /api/scenarios/load             Publish a scenario as the counterparty

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unknown document type
  - 404: Document or parent not found
  - 409: Conflict (duplicate, lost CAS, write-once) or business rule
  - 502: Ledger unavailable or payload malformed
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Notification endpoints are expected to be reachable
  only from the ledger listener.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/exchange"
	"github.com/warp/contract-ledger/ledger"
	"github.com/warp/contract-ledger/logging"
	"github.com/warp/contract-ledger/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  document.Store
	Engine *reconcile.Engine
	Sender *exchange.Sender
	Drafts *exchange.Drafts

	// Poller and Runs are optional; without them the reconcile routes 404.
	Poller *PollScheduler
	Runs   RunStore

	// Ledger and Party enable the demo scenarios on the in-process ledger.
	Ledger *ledger.Memory
	Party  document.PartyID

	log *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(store document.Store, engine *reconcile.Engine, sender *exchange.Sender, drafts *exchange.Drafts, logger *zap.Logger) *Handler {
	return &Handler{
		Store:  store,
		Engine: engine,
		Sender: sender,
		Drafts: drafts,
		log:    logging.OrNop(logger).Named("api"),
	}
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// NotifyDocuments runs the document-arrival pipeline. Per-document failures
// are part of a 200 response; only a failed ledger listing is an error.
func (h *Handler) NotifyDocuments(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	report, err := h.Engine.HandleDocuments(r.Context(), reconcile.DocumentArrival{
		RoutingKey: req.RoutingKey,
		PartyID:    document.PartyID(req.PartyID),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to reconcile documents", err)
		return
	}

	writeJSON(w, http.StatusOK, NewReportDTO(report))
}

// NotifySignatures reconciles signatures into one document. An ambiguous
// target is a 200 with ambiguous=true.
func (h *Handler) NotifySignatures(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	outcome, err := h.Engine.HandleSignatures(r.Context(), reconcile.SignatureArrival{
		RoutingKey: req.RoutingKey,
		PartyID:    document.PartyID(req.PartyID),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to reconcile signatures", err)
		return
	}

	writeJSON(w, http.StatusOK, toSignatureOutcomeDTO(outcome))
}

// =============================================================================
// DOCUMENT HANDLERS
// =============================================================================

// ListDocuments returns all documents of the path type.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	typ, ok := pathType(w, r)
	if !ok {
		return
	}

	docs, err := h.Store.List(r.Context(), typ)
	if err != nil {
		h.writeDomainError(w, "Failed to list documents", err)
		return
	}

	writeJSON(w, http.StatusOK, toDocumentDTOs(docs))
}

// GetDocument returns one document.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	typ, ok := pathType(w, r)
	if !ok {
		return
	}

	doc, err := h.Store.Get(r.Context(), typ, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Document not found", err)
		return
	}

	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// CreateDraft stores a new DRAFT of the path type.
func (h *Handler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	typ, ok := pathType(w, r)
	if !ok {
		return
	}

	var req DraftRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	doc := document.Document{Type: typ}
	switch typ {
	case document.TypeContract:
		doc.Contract = req.Contract
	case document.TypeUsage:
		doc.Usage = req.Usage
	case document.TypeSettlement:
		doc.Settlement = req.Settlement
	}

	created, err := h.Drafts.Create(r.Context(), doc)
	if err != nil {
		h.writeDomainError(w, "Failed to create draft", err)
		return
	}

	writeJSON(w, http.StatusCreated, toDocumentDTO(created))
}

// SendDocument publishes a draft and moves it to SENT.
func (h *Handler) SendDocument(w http.ResponseWriter, r *http.Request) {
	typ, ok := pathType(w, r)
	if !ok {
		return
	}

	sent, err := h.Sender.Send(r.Context(), typ, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to send document", err)
		return
	}

	writeJSON(w, http.StatusOK, toDocumentDTO(sent))
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// ListContractUsages returns the usages of a contract, oldest first.
func (h *Handler) ListContractUsages(w http.ResponseWriter, r *http.Request) {
	h.listChildren(w, r, document.TypeUsage)
}

// ListContractSettlements returns the settlements of a contract, oldest first.
func (h *Handler) ListContractSettlements(w http.ResponseWriter, r *http.Request) {
	h.listChildren(w, r, document.TypeSettlement)
}

func (h *Handler) listChildren(w http.ResponseWriter, r *http.Request, typ document.Type) {
	if !contractPath(w, r) {
		return
	}
	contractID := chi.URLParam(r, "id")
	if _, err := h.Store.Get(r.Context(), document.TypeContract, contractID); err != nil {
		h.writeDomainError(w, "Contract not found", err)
		return
	}

	docs, err := h.Store.ListByContract(r.Context(), typ, contractID)
	if err != nil {
		h.writeDomainError(w, "Failed to list documents", err)
		return
	}

	writeJSON(w, http.StatusOK, toDocumentDTOs(docs))
}

// RecomputeApproval re-derives isUsageApproved from the contract's usages.
func (h *Handler) RecomputeApproval(w http.ResponseWriter, r *http.Request) {
	if !contractPath(w, r) {
		return
	}
	contractID := chi.URLParam(r, "id")

	approved, err := h.Engine.Approvals().RecomputeContract(r.Context(), contractID)
	if err != nil {
		h.writeDomainError(w, "Failed to recompute approval", err)
		return
	}

	writeJSON(w, http.StatusOK, ApprovalDTO{ContractID: contractID, IsUsageApproved: approved})
}

// =============================================================================
// RECONCILE HANDLERS
// =============================================================================

// TriggerPoll runs one poll-everything reconciliation now.
func (h *Handler) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	if h.Poller == nil {
		writeError(w, http.StatusNotFound, "Polling not configured", nil)
		return
	}

	run, report, err := h.Poller.Poll(r.Context(), TriggerManual)
	if err != nil {
		h.writeDomainError(w, "Poll failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":    run,
		"report": NewReportDTO(report),
	})
}

// ListRuns returns recent poll runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeError(w, http.StatusNotFound, "Run history not configured", nil)
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// typeSegments maps URL path segments to document types.
var typeSegments = map[string]document.Type{
	"contracts":   document.TypeContract,
	"usages":      document.TypeUsage,
	"settlements": document.TypeSettlement,
}

func pathType(w http.ResponseWriter, r *http.Request) (document.Type, bool) {
	typ, ok := typeSegments[chi.URLParam(r, "type")]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown document type", nil)
		return "", false
	}
	return typ, true
}

// contractPath rejects contract-only routes mounted under another type.
func contractPath(w http.ResponseWriter, r *http.Request) bool {
	typ, ok := pathType(w, r)
	if !ok {
		return false
	}
	if typ != document.TypeContract {
		writeError(w, http.StatusNotFound, "Route only exists for contracts", nil)
		return false
	}
	return true
}

// decodeBody reads a JSON body. With allowEmpty an empty body is accepted.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps the domain error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, document.ErrValidation), errors.Is(err, document.ErrDocumentTypeUnknown):
		return http.StatusBadRequest
	case document.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, document.ErrConflict), errors.Is(err, document.ErrBusinessRule):
		return http.StatusConflict
	case document.IsUpstream(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, document.ErrValidation):
		return "validation"
	case errors.Is(err, document.ErrDocumentTypeUnknown):
		return "unknown_type"
	case errors.Is(err, document.ErrParentNotFound):
		return "parent_not_found"
	case errors.Is(err, document.ErrNotFound):
		return "not_found"
	case errors.Is(err, document.ErrBusinessRule):
		return "business_rule"
	case errors.Is(err, document.ErrConflict):
		return "conflict"
	case document.IsUpstream(err):
		return "upstream"
	}
	return ""
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError:
		h.log.Error(message, zap.Error(err))
	case document.IsClientError(err):
		h.log.Debug(message, zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: errorCode(err), Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
