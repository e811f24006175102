package controlapi

import "encoding/json"

// jsonCodec replaces grpc-go's default protobuf-wire codec with a plain
// JSON one. A real deployment of this surface would run protoc-gen-go-grpc
// over a .proto file to get typed, binary-efficient stubs; this
// environment has no protoc available, so the request/response types
// below are hand-written structs and this codec is what lets grpc-go
// marshal them without requiring they implement proto.Message.
//
// It is not registered with grpc-go's codec registry: Serve installs it
// with grpc.ForceServerCodec and Dial with grpc.ForceCodec, so every call
// made through the client/server helpers in this package uses it. Name
// reports "proto", the content-subtype grpc-go uses by default.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "proto" }
