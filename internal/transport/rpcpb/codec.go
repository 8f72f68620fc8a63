package rpcpb

import "encoding/json"

// JSONCodec replaces protobuf wire encoding, since Envelope and Reply
// are plain structs rather than generated proto.Message types. It
// implements grpc's Codec interface (Marshal/Unmarshal/Name) and is
// installed on both server (grpc.ForceServerCodec) and client
// (grpc.ForceCodec as a default call option) in internal/transport.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string {
	return "json"
}
