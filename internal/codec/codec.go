// Package codec encodes opaque context blobs as a versioned CBOR
// envelope. The kind tag and version are checked on decode so a
// settings struct can evolve without guessing at old bytes.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

// ErrKindMismatch is returned when a blob was written for another kind.
var ErrKindMismatch = errors.New("codec: kind mismatch")

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type envelope struct {
	Kind    string          `cbor:"1,keyasint"`
	Version uint16          `cbor:"2,keyasint"`
	Body    cbor.RawMessage `cbor:"3,keyasint"`
}

// Encode wraps v in an envelope tagged with kind and version.
func Encode(kind string, version uint16, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s body: %w", kind, err)
	}
	return encMode.Marshal(envelope{Kind: kind, Version: version, Body: body})
}

// Decode unwraps an envelope written by Encode into v and returns the
// version it was written with. Callers migrate older versions themselves.
func Decode(data []byte, kind string, v any) (uint16, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return 0, fmt.Errorf("codec: decode envelope: %w", err)
	}
	if env.Kind != kind {
		return env.Version, fmt.Errorf("%w: want %q, got %q", ErrKindMismatch, kind, env.Kind)
	}
	if err := decMode.Unmarshal(env.Body, v); err != nil {
		return env.Version, fmt.Errorf("codec: decode %s v%d body: %w", kind, env.Version, err)
	}
	return env.Version, nil
}
