package reconcile

import (
	"context"
	"errors"

	"github.com/warp/contract-ledger/document"
)

// maxUpdateAttempts bounds re-reads when a versioned update loses a race.
const maxUpdateAttempts = 3

// patchFunc builds a patch from the current document. Returning ok=false
// means no change is needed.
type patchFunc func(cur document.Document) (patch document.Patch, ok bool, err error)

// updateVersioned re-reads the document, builds a patch and applies it with a
// version match, retrying when another writer got there first.
func updateVersioned(ctx context.Context, store document.Store, typ document.Type, id string, build patchFunc) (document.Document, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := store.Get(ctx, typ, id)
		if err != nil {
			return document.Document{}, false, err
		}
		patch, ok, err := build(cur)
		if err != nil {
			return document.Document{}, false, err
		}
		if !ok {
			return cur, false, nil
		}

		updated, err := store.ConditionalUpdate(ctx,
			document.Match{ID: id, Type: typ, Version: cur.Version}, patch)
		if err == nil {
			return updated, true, nil
		}
		var me *document.MatchError
		if !errors.As(err, &me) {
			return document.Document{}, false, err
		}
		lastErr = err
	}
	return document.Document{}, false, lastErr
}
