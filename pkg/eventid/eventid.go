// package eventid implements the 16 byte event identifier shared by the
// ledger tables, the selector codec, and the notify wire format.
package eventid

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Size is the packed length: 8 byte timestamp, 4 byte checksum, 4 byte ledger id.
const Size = 16

var ErrMalformed = errors.New("malformed event id")

// An EventID orders an event within its ledger by (timestamp, checksum).
// Timestamp is an epoch microsecond instant. LedgerID is the ledger's
// 8 char lowercase hex identifier.
type EventID struct {
	Timestamp uint64
	Checksum  uint32
	LedgerID  string
}

func New(timestamp uint64, checksum uint32, ledgerID string) (EventID, error) {
	if err := validLedgerID(ledgerID); err != nil {
		return EventID{}, err
	}
	return EventID{Timestamp: timestamp, Checksum: checksum, LedgerID: strings.ToLower(ledgerID)}, nil
}

func validLedgerID(s string) error {
	if len(s) != 8 {
		return fmt.Errorf("%w: ledger id %q", ErrMalformed, s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("%w: ledger id %q", ErrMalformed, s)
	}
	return nil
}

func (id EventID) IsZero() bool {
	return id.Timestamp == 0 && id.Checksum == 0 && id.LedgerID == ""
}

// Bytes packs the id big-endian.
func (id EventID) Bytes() []byte {
	b := make([]byte, Size)
	binary.BigEndian.PutUint64(b[0:8], id.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], id.Checksum)
	ledger, _ := hex.DecodeString(id.LedgerID)
	copy(b[12:16], ledger)
	return b
}

// FromBytes unpacks a 16 byte identifier.
func FromBytes(b []byte) (EventID, error) {
	if len(b) != Size {
		return EventID{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	return EventID{
		Timestamp: binary.BigEndian.Uint64(b[0:8]),
		Checksum:  binary.BigEndian.Uint32(b[8:12]),
		LedgerID:  hex.EncodeToString(b[12:16]),
	}, nil
}

// String is the 32 char lowercase hex form.
func (id EventID) String() string {
	return hex.EncodeToString(id.Bytes())
}

// Parse reads the 32 char hex form.
func Parse(s string) (EventID, error) {
	if len(s) != 2*Size {
		return EventID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return EventID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return FromBytes(b)
}

// UUID is the packed form rendered as a UUID, the shape the
// append_event procedure takes for previous_id.
func (id EventID) UUID() uuid.UUID {
	u, _ := uuid.FromBytes(id.Bytes())
	return u
}

// Time converts the epoch microsecond timestamp.
func (id EventID) Time() time.Time {
	return time.UnixMicro(int64(id.Timestamp)).UTC()
}

// Compare orders ids within one ledger by (timestamp, checksum).
func (id EventID) Compare(other EventID) int {
	switch {
	case id.Timestamp < other.Timestamp:
		return -1
	case id.Timestamp > other.Timestamp:
		return 1
	case id.Checksum < other.Checksum:
		return -1
	case id.Checksum > other.Checksum:
		return 1
	}
	return 0
}

func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}
func (id *EventID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
