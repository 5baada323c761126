package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/warp/contract-ledger/document"
)

// Router computes routing keys with a keyed hash so that a key scopes a query
// to one (party, document) pair without revealing the reference id.
type Router struct {
	secret []byte
}

func NewRouter(secret string) Router {
	return Router{secret: []byte(secret)}
}

// RoutingKey returns hex(HMAC-SHA256(secret, party || 0x00 || ref)).
func (r Router) RoutingKey(party document.PartyID, ref document.ReferenceID) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(party))
	mac.Write([]byte{0})
	mac.Write([]byte(ref))
	return hex.EncodeToString(mac.Sum(nil))
}

// StorageKeys returns one routing key per counterparty.
func StorageKeys(keyer interface {
	RoutingKey(document.PartyID, document.ReferenceID) string
}, from, to document.PartyID, ref document.ReferenceID) []string {
	return []string{keyer.RoutingKey(from, ref), keyer.RoutingKey(to, ref)}
}
