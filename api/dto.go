/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Documents are returned
  in their stored shape; reconcile outcomes are flattened for clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Notifications:
    NotificationRequest, ReportDTO, FailureDTO, SignatureOutcomeDTO

  Documents:
    DocumentDTO, DraftRequest, ApprovalDTO

  Runs:
    sqlite.RunRecord is returned as-is

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - document/types.go: Document shape
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/reconcile"
)

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// NotificationRequest is the body of both notification endpoints. For
// document arrivals both fields may be empty (poll everything).
type NotificationRequest struct {
	RoutingKey string `json:"routingKey"`
	PartyID    string `json:"partyId"`
}

// ReportDTO is the outcome of a document-arrival notification.
type ReportDTO struct {
	Listed          int                `json:"listed"`
	Stored          []reconcile.Stored `json:"stored"`
	Failures        []FailureDTO       `json:"failures"`
	CleanupFailures []FailureDTO       `json:"cleanupFailures"`
}

type FailureDTO struct {
	ReferenceID string `json:"referenceId"`
	Stage       string `json:"stage"`
	Error       string `json:"error"`
	Retryable   bool   `json:"retryable"`
}

// SignatureOutcomeDTO is the outcome of a signature notification.
type SignatureOutcomeDTO struct {
	Matches    int      `json:"matches"`
	Ambiguous  bool     `json:"ambiguous"`
	DocumentID string   `json:"documentId,omitempty"`
	Type       string   `json:"type,omitempty"`
	Side       string   `json:"side,omitempty"`
	Assigned   []string `json:"assigned"`
	Replayed   []string `json:"replayed"`
	Overflow   []string `json:"overflow"`
	Updated    bool     `json:"updated"`

	PartyMismatch bool `json:"partyMismatch,omitempty"`
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// DocumentDTO is a stored document plus derived read-only fields.
type DocumentDTO struct {
	document.Document
	UsageTotal *decimal.Decimal `json:"usageTotal,omitempty"`
}

// DraftRequest creates a DRAFT. Only the payload matching the path type is read.
type DraftRequest struct {
	Contract   *document.ContractBody   `json:"contract,omitempty"`
	Usage      *document.UsageBody      `json:"usage,omitempty"`
	Settlement *document.SettlementBody `json:"settlement,omitempty"`
}

// ApprovalDTO is returned by the manual recompute endpoint.
type ApprovalDTO struct {
	ContractID      string `json:"contractId"`
	IsUsageApproved bool   `json:"isUsageApproved"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toDocumentDTO(doc document.Document) DocumentDTO {
	dto := DocumentDTO{Document: doc}
	if doc.Usage != nil {
		total := doc.Usage.Total()
		dto.UsageTotal = &total
	}
	return dto
}

func toDocumentDTOs(docs []document.Document) []DocumentDTO {
	dtos := make([]DocumentDTO, len(docs))
	for i, d := range docs {
		dtos[i] = toDocumentDTO(d)
	}
	return dtos
}

// NewReportDTO flattens a reconcile report for JSON output.
func NewReportDTO(r *reconcile.Report) ReportDTO {
	dto := ReportDTO{
		Listed:          r.Listed,
		Stored:          r.Stored,
		Failures:        toFailureDTOs(r.Failures),
		CleanupFailures: toFailureDTOs(r.CleanupFailures),
	}
	if dto.Stored == nil {
		dto.Stored = []reconcile.Stored{}
	}
	return dto
}

func toFailureDTOs(failures []reconcile.Failure) []FailureDTO {
	dtos := make([]FailureDTO, len(failures))
	for i, f := range failures {
		dtos[i] = FailureDTO{ReferenceID: string(f.ReferenceID), Stage: string(f.Stage), Error: f.Err.Error(), Retryable: f.Retryable}
	}
	return dtos
}

func toSignatureOutcomeDTO(o reconcile.SignatureOutcome) SignatureOutcomeDTO {
	return SignatureOutcomeDTO{
		Matches:    o.Matches,
		Ambiguous:  o.Ambiguous(),
		DocumentID: o.DocumentID,
		Type:       string(o.Type),
		Side:       string(o.Side),
		Assigned:   handleStrings(o.Placement.Assigned),
		Replayed:   handleStrings(o.Placement.Replayed),
		Overflow:   handleStrings(o.Placement.Overflow),
		Updated:    o.Updated,

		PartyMismatch: o.PartyMismatch,
	}
}

func handleStrings(handles []document.SignatureHandle) []string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = string(h)
	}
	return out
}
