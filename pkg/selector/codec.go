package selector

import (
	"encoding/base64"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/evently-cloud/rest-api/pkg/eventid"
)

// The wire form is a compact map packed with deterministic CBOR and
// base64url'd. Key order inside the pack is fixed by the encoder, so the
// token doubles as the selector's fingerprint. Empty containers and zero
// limits are omitted.
type wireSelector struct {
	Entities map[string][]string  `cbor:"e,omitempty"`
	Meta     *wireQuery           `cbor:"m,omitempty"`
	Events   map[string]wireQuery `cbor:"d,omitempty"`
	After    []byte               `cbor:"a,omitempty"`
	Limit    uint32               `cbor:"l,omitempty"`
}

type wireQuery struct {
	Query string         `cbor:"q"`
	Vars  map[string]any `cbor:"v,omitempty"`
}

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode canonicalizes and packs a selector into its URI token.
func Encode(s Selector) (string, error) {
	s = s.Canonicalize()
	if err := s.Validate(); err != nil {
		return "", err
	}

	w := wireSelector{
		Entities: s.Entities,
		Limit:    s.Limit,
	}
	if s.Meta != nil {
		w.Meta = &wireQuery{Query: s.Meta.Query, Vars: s.Meta.Vars}
	}
	if len(s.Events) > 0 {
		w.Events = make(map[string]wireQuery, len(s.Events))
		for name, q := range s.Events {
			w.Events[name] = wireQuery{Query: q.Query, Vars: q.Vars}
		}
	}
	if s.After != nil {
		w.After = s.After.Bytes()
	}

	b, err := encMode.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode unpacks a URI token back to the canonical selector.
func Decode(token string) (Selector, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Selector{}, fmt.Errorf("%w: %s", ErrInvalidURIPart, err)
	}

	var w wireSelector
	if err := decMode.Unmarshal(b, &w); err != nil {
		return Selector{}, fmt.Errorf("%w: %s", ErrInvalidURIPart, err)
	}

	s := Selector{
		Entities: w.Entities,
		Limit:    w.Limit,
	}
	if w.Meta != nil {
		s.Meta = &Query{Query: w.Meta.Query, Vars: w.Meta.Vars}
	}
	if len(w.Events) > 0 {
		s.Events = make(map[string]Query, len(w.Events))
		for name, q := range w.Events {
			s.Events[name] = Query{Query: q.Query, Vars: q.Vars}
		}
	}
	if len(w.After) > 0 {
		id, err := eventid.FromBytes(w.After)
		if err != nil {
			return Selector{}, fmt.Errorf("%w: %s", ErrInvalidURIPart, err)
		}
		s.After = &id
	}

	if err := s.Validate(); err != nil {
		return Selector{}, fmt.Errorf("%w: %s", ErrInvalidURIPart, err)
	}
	return s.Canonicalize(), nil
}
