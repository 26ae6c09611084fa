// package ledger holds the ledger data model shared by every service.
package ledger

import (
	"github.com/evently-cloud/rest-api/pkg/eventid"
)

// GenesisEvent names the marker written by create_ledger as a ledger's
// first event. Its data carries the ledger's name and description.
const GenesisEvent = "📒𒃻"

// ReservedEntity tags registry and genesis markers. It cannot appear in
// user supplied entity maps.
const ReservedEntity = "📒"

// A Ledger is a tenant scoped append-only log. Immutable except for
// reset and remove.
type Ledger struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Genesis     eventid.EventID `json:"genesis"`
}
