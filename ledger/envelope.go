package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/contract-ledger/document"
)

// =============================================================================
// ENVELOPE - Wire shape of a ledger payload
// =============================================================================

// Envelope is the JSON document stored on the ledger. Header fields are
// common to every type; Body is decoded per type.
type Envelope struct {
	Type   string          `json:"type"`
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type Header struct {
	From                document.PartyID     `json:"from"`
	To                  document.PartyID     `json:"to"`
	FromSide            document.SideSpec    `json:"fromSide"`
	ToSide              document.SideSpec    `json:"toSide"`
	ContractReferenceID document.ReferenceID `json:"contractReferenceId,omitempty"`
	UsageReferenceID    document.ReferenceID `json:"usageReferenceId,omitempty"`
}

type contractBody struct {
	Name  string          `json:"name,omitempty"`
	Terms json.RawMessage `json:"terms,omitempty"`
}

type usageBody struct {
	PeriodStart time.Time              `json:"periodStart"`
	PeriodEnd   time.Time              `json:"periodEnd"`
	Records     []document.UsageRecord `json:"records,omitempty"`
}

type settlementBody struct {
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency,omitempty"`
}

// DecodeEnvelope parses a raw payload. Malformed JSON wraps ErrUpstreamParse;
// the declared type is not checked here.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", document.ErrUpstreamParse, err)
	}
	return env, nil
}

// Document maps the envelope to an unsaved document carrying ref. The caller
// assigns ID, State and storage keys. Unknown types return *document.TypeError.
func (e Envelope) Document(ref document.ReferenceID) (document.Document, error) {
	typ, ok := document.ParseType(e.Type)
	if !ok {
		return document.Document{}, &document.TypeError{ReferenceID: ref, Declared: e.Type}
	}

	doc := document.Document{Type: typ, ReferenceID: ref}
	h := e.Header

	switch typ {
	case document.TypeContract:
		var b contractBody
		if err := decodeBody(e.Body, &b); err != nil {
			return document.Document{}, err
		}
		doc.Contract = &document.ContractBody{
			FromMsp:  h.From,
			ToMsp:    h.To,
			Name:     b.Name,
			Terms:    b.Terms,
			FromSide: h.FromSide,
			ToSide:   h.ToSide,
		}

	case document.TypeUsage:
		var b usageBody
		if err := decodeBody(e.Body, &b); err != nil {
			return document.Document{}, err
		}
		doc.Usage = &document.UsageBody{
			MspOwner:            h.From,
			MspReceiver:         h.To,
			ContractReferenceID: h.ContractReferenceID,
			PeriodStart:         b.PeriodStart,
			PeriodEnd:           b.PeriodEnd,
			Records:             b.Records,
			OwnerSide:           h.FromSide,
			ReceiverSide:        h.ToSide,
		}

	case document.TypeSettlement:
		var b settlementBody
		if err := decodeBody(e.Body, &b); err != nil {
			return document.Document{}, err
		}
		doc.Settlement = &document.SettlementBody{
			MspOwner:            h.From,
			MspReceiver:         h.To,
			ContractReferenceID: h.ContractReferenceID,
			UsageReferenceID:    h.UsageReferenceID,
			Total:               b.Total,
			Currency:            b.Currency,
			OwnerSide:           h.FromSide,
			ReceiverSide:        h.ToSide,
		}
	}
	return doc, nil
}

func decodeBody(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: body: %v", document.ErrUpstreamParse, err)
	}
	return nil
}

// EncodeEnvelope is the inverse of Envelope.Document, used when publishing.
func EncodeEnvelope(doc document.Document) ([]byte, error) {
	from, to := doc.Parties()
	fromSide, toSide := doc.SideSpecs()
	env := Envelope{
		Type:   string(doc.Type),
		Header: Header{From: from, To: to, FromSide: fromSide, ToSide: toSide},
	}

	var body any
	switch doc.Type {
	case document.TypeContract:
		body = contractBody{Name: doc.Contract.Name, Terms: doc.Contract.Terms}
	case document.TypeUsage:
		env.Header.ContractReferenceID = doc.Usage.ContractReferenceID
		body = usageBody{PeriodStart: doc.Usage.PeriodStart, PeriodEnd: doc.Usage.PeriodEnd, Records: doc.Usage.Records}
	case document.TypeSettlement:
		env.Header.ContractReferenceID = doc.Settlement.ContractReferenceID
		env.Header.UsageReferenceID = doc.Settlement.UsageReferenceID
		body = settlementBody{Total: doc.Settlement.Total, Currency: doc.Settlement.Currency}
	default:
		return nil, &document.TypeError{ReferenceID: doc.ReferenceID, Declared: string(doc.Type)}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", doc.Type, err)
	}
	env.Body = raw
	return json.Marshal(env)
}
