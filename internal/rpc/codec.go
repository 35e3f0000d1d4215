package rpc

import "encoding/json"

// jsonCodec is the wire codec both services use. The message set is small
// and hand-maintained (messages.go), so a JSON codec keeps the whole RPC
// surface in one language with no generated stubs to drift out of sync —
// clients connect with the same codec name and plain structs.
type jsonCodec struct{}

// Name identifies the codec in the grpc content-subtype ("application/
// grpc+json").
func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
