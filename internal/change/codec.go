package change

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("change: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("change: cbor dec mode: %v", err))
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR into v. Untyped maps decode as map[string]any.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeRequest encodes a change request for the peer channel and the cache.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode change request: %w", err)
	}
	return data, nil
}

// DecodeRequest decodes and validates a change request. Numbers inside
// documents come back as float64 regardless of their wire encoding.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode change request: %w", err)
	}
	for i := range req.Payload {
		req.Payload[i] = req.Payload[i].Clone()
	}
	if err := req.Validate(); err != nil {
		return Request{}, fmt.Errorf("decode change request: %w", err)
	}
	return req, nil
}
