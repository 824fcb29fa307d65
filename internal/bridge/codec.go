package bridge

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Commands are encoded with Core Deterministic Encoding so equal commands
// produce equal bytes. Unknown fields are ignored on decode so newer peers
// can add fields without breaking older ones.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
	// uuid.UUID round-trips as a byte string through its BinaryMarshaler.
	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// response is the reply envelope written once per connection.
type response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
