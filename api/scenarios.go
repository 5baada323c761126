/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Plays the counterparty MSP against the in-process ledger. Each scenario
	publishes documents addressed to this party, so the normal notification
	or poll path ingests them exactly as it would from a real ledger.

AVAILABLE SCENARIOS:

	partner-contract: Counterparty proposes a contract, one signature placed
	usage-exchange:   Contract plus a usage report on it, usage signed
	out-of-order:     Usage listed before its contract, later ledger time

HOW SCENARIOS WORK:
 1. Build counterparty documents
 2. Encode them as ledger envelopes
 3. Publish them to the shared in-process ledger
 4. Optionally place counterparty signatures
 5. Return reference ids and routing keys for the notification endpoints

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "usage-exchange", "partner": "msp-partner"}

NOTE:

	Only available when the server runs on the in-process ledger.

SEE ALSO:
  - handlers.go: notification handlers
  - ledger/memory.go: in-process ledger
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
	Partner    string `json:"partner"`
}

// PublishedDTO is one document a scenario put on the ledger.
type PublishedDTO struct {
	Type        string `json:"type"`
	ReferenceID string `json:"referenceId"`
	RoutingKey  string `json:"routingKey"` // routing key for this party
	// PartnerRoutingKey goes with the partner's signature notifications.
	PartnerRoutingKey string `json:"partnerRoutingKey"`
}

type ScenarioResultDTO struct {
	ScenarioID string         `json:"scenarioId"`
	Partner    string         `json:"partner"`
	Published  []PublishedDTO `json:"published"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "partner-contract",
		Name:        "Partner Contract",
		Description: "Counterparty proposes a contract with two signatures per side, one already placed",
	},
	{
		ID:          "usage-exchange",
		Name:        "Usage Exchange",
		Description: "Contract and a usage report on it; the counterparty signs the usage",
	},
	{
		ID:          "out-of-order",
		Name:        "Out Of Order",
		Description: "Usage listed before its contract; ledger time puts the contract first",
	},
}

const defaultPartner = "msp-partner"

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario publishes a scenario's documents to the in-process ledger.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeError(w, http.StatusNotFound, "Scenarios need the in-process ledger", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Partner == "" {
		req.Partner = defaultPartner
	}
	if document.PartyID(req.Partner) == h.Party {
		writeError(w, http.StatusBadRequest, "Partner must differ from this party", nil)
		return
	}

	p := &scenarioPlayer{
		ledger:  h.Ledger,
		partner: document.PartyID(req.Partner),
		us:      h.Party,
	}

	var err error
	switch req.ScenarioID {
	case "partner-contract":
		err = p.partnerContract(r.Context())
	case "usage-exchange":
		err = p.usageExchange(r.Context())
	case "out-of-order":
		err = p.outOfOrder()
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.log.Info("scenario loaded",
		zap.String("scenario", req.ScenarioID),
		zap.Int("published", len(p.published)))
	writeJSON(w, http.StatusOK, ScenarioResultDTO{
		ScenarioID: req.ScenarioID,
		Partner:    req.Partner,
		Published:  p.published,
	})
}

// =============================================================================
// SCENARIO PLAYER
// =============================================================================

type scenarioPlayer struct {
	ledger    *ledger.Memory
	partner   document.PartyID
	us        document.PartyID
	published []PublishedDTO
}

func (p *scenarioPlayer) contract() document.Document {
	return document.Document{
		Type: document.TypeContract,
		Contract: &document.ContractBody{
			FromMsp:  p.partner,
			ToMsp:    p.us,
			Name:     "Roaming agreement " + string(p.partner),
			Terms:    json.RawMessage(`{"currency":"EUR","ratePerMB":"0.002"}`),
			FromSide: document.SideSpec{MinSignatures: 2, Signatures: []document.SignatureHandle{"partner-sig-1"}},
			ToSide:   document.SideSpec{MinSignatures: 2},
		},
	}
}

func (p *scenarioPlayer) usage(contractRef document.ReferenceID) document.Document {
	start := time.Now().UTC().AddDate(0, -1, 0).Truncate(24 * time.Hour)
	return document.Document{
		Type: document.TypeUsage,
		Usage: &document.UsageBody{
			MspOwner:            p.partner,
			MspReceiver:         p.us,
			ContractReferenceID: contractRef,
			PeriodStart:         start,
			PeriodEnd:           start.AddDate(0, 1, 0),
			Records: []document.UsageRecord{
				{Service: "data", Volume: decimal.RequireFromString("10240.5"), Unit: "MB"},
				{Service: "voice", Volume: decimal.RequireFromString("320"), Unit: "min"},
			},
			OwnerSide:    document.SideSpec{MinSignatures: 1},
			ReceiverSide: document.SideSpec{MinSignatures: 1},
		},
	}
}

func (p *scenarioPlayer) publish(ctx context.Context, doc document.Document) (document.ReferenceID, error) {
	payload, err := ledger.EncodeEnvelope(doc)
	if err != nil {
		return "", err
	}
	ref, _, err := p.ledger.View(p.partner).Publish(ctx, p.partner, p.us, payload)
	if err != nil {
		return "", err
	}
	p.record(doc.Type, ref)
	return ref, nil
}

func (p *scenarioPlayer) record(typ document.Type, ref document.ReferenceID) {
	p.published = append(p.published, PublishedDTO{
		Type:        string(typ),
		ReferenceID: string(ref),
		RoutingKey:  p.ledger.View(p.us).RoutingKey(p.us, ref),

		PartnerRoutingKey: p.ledger.View(p.us).RoutingKey(p.partner, ref),
	})
}

func (p *scenarioPlayer) partnerContract(ctx context.Context) error {
	_, err := p.publish(ctx, p.contract())
	return err
}

func (p *scenarioPlayer) usageExchange(ctx context.Context) error {
	contractRef, err := p.publish(ctx, p.contract())
	if err != nil {
		return err
	}
	usageRef, err := p.publish(ctx, p.usage(contractRef))
	if err != nil {
		return err
	}
	p.ledger.Sign(usageRef, p.partner, "partner-usage-sig-1")
	return nil
}

// outOfOrder puts the usage first in listing order with a later timestamp.
func (p *scenarioPlayer) outOfOrder() error {
	now := time.Now().UTC()
	contractRef := document.ReferenceID(fmt.Sprintf("ooo-contract-%d", now.UnixNano()))
	usageRef := document.ReferenceID(fmt.Sprintf("ooo-usage-%d", now.UnixNano()))

	contractPayload, err := ledger.EncodeEnvelope(p.contract())
	if err != nil {
		return err
	}
	usagePayload, err := ledger.EncodeEnvelope(p.usage(contractRef))
	if err != nil {
		return err
	}

	p.ledger.Put(usageRef, usagePayload, ledger.Meta{
		Kind: "memory", TxID: string(usageRef), Timestamp: now.Add(time.Second), From: p.partner, To: p.us,
	})
	p.ledger.Put(contractRef, contractPayload, ledger.Meta{
		Kind: "memory", TxID: string(contractRef), Timestamp: now, From: p.partner, To: p.us,
	})
	p.record(document.TypeUsage, usageRef)
	p.record(document.TypeContract, contractRef)
	return nil
}
