package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Codec serializes envelopes for a relay connection.
type Codec interface {
	Name() string
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
	// FrameType is the websocket frame type carrying encoded envelopes.
	FrameType() int
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecByName resolves a configured codec name; empty selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown signaling codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                             { return "json" }
func (jsonCodec) Marshal(env Envelope) ([]byte, error)     { return json.Marshal(env) }
func (jsonCodec) Unmarshal(data []byte, e *Envelope) error { return json.Unmarshal(data, e) }
func (jsonCodec) FrameType() int                           { return websocket.TextMessage }

// cborCodec relies on cbor's fallback to the json struct tags, so both
// codecs share the same field names.
type cborCodec struct{}

func (cborCodec) Name() string                             { return "cbor" }
func (cborCodec) Marshal(env Envelope) ([]byte, error)     { return cbor.Marshal(env) }
func (cborCodec) Unmarshal(data []byte, e *Envelope) error { return cbor.Unmarshal(data, e) }
func (cborCodec) FrameType() int                           { return websocket.BinaryMessage }

// Encode wraps msg, stamps the sender and marshals it with codec.
func Encode(codec Codec, msg Message, from string) ([]byte, error) {
	env := Wrap(msg)
	env.From = from
	return codec.Marshal(env)
}

// Decode unmarshals data with codec and returns the message and its sender.
func Decode(codec Codec, data []byte) (Message, string, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("decode %s envelope: %w", codec.Name(), err)
	}
	msg, err := env.Message()
	if err != nil {
		return nil, env.From, err
	}
	return msg, env.From, nil
}
