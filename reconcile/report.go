package reconcile

import (
	"github.com/warp/contract-ledger/document"
)

// Stage names where a per-document failure happened.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageDecode  Stage = "decode"
	StageIngest  Stage = "ingest"
	StageCleanup Stage = "cleanup"
)

// Stored is the reduced view of a document that ingestion persisted (or
// found already persisted).
type Stored struct {
	ID          string               `json:"id"`
	Type        document.Type        `json:"type"`
	ReferenceID document.ReferenceID `json:"referenceId"`
	ContractID  string               `json:"contractId,omitempty"`
	Created     bool                 `json:"created"`
}

type Failure struct {
	ReferenceID document.ReferenceID
	Stage       Stage
	Err         error
	// Retryable failures may clear on a later poll without any change here,
	// e.g. a usage that arrived before its contract.
	Retryable bool
}

// Report accumulates the outcome of one document-arrival task. It lives for
// one invocation only and is passed between pipeline stages explicitly.
type Report struct {
	Listed          int
	Stored          []Stored
	Failures        []Failure
	CleanupFailures []Failure
}

func (r *Report) fail(ref document.ReferenceID, stage Stage, err error) {
	f := Failure{ReferenceID: ref, Stage: stage, Err: err, Retryable: document.IsRetryable(err)}
	if stage == StageCleanup {
		r.CleanupFailures = append(r.CleanupFailures, f)
		return
	}
	r.Failures = append(r.Failures, f)
}

func (r *Report) stored(doc document.Document, created bool) {
	r.Stored = append(r.Stored, Stored{
		ID:          doc.ID,
		Type:        doc.Type,
		ReferenceID: doc.ReferenceID,
		ContractID:  doc.ContractID(),
		Created:     created,
	})
}
