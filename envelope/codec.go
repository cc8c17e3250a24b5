package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/taskmesh/errors"
)

// Codec serializes envelopes and the payloads they carry. Both ends of a
// topic must use the same codec.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	EncodeEnvelope(env Envelope) ([]byte, error)
	DecodeEnvelope(data []byte) (Envelope, error)
}

// ByName returns the codec registered under name ("json" or "cbor").
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown codec %q", name), "envelope", "ByName", "resolve codec")
	}
}

// JSON encodes envelopes as
//
//	{"correlationId": "...", "replyTo": "...", "payload": ..., "error": {"kind": "...", "message": "..."} | null}
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

type jsonWire struct {
	CorrelationID string          `json:"correlationId"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Error         *RemoteError    `json:"error"`
}

var jsonNull = []byte("null")

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) EncodeEnvelope(env Envelope) ([]byte, error) {
	payload := json.RawMessage(env.Payload)
	if len(payload) == 0 {
		payload = jsonNull
	}
	return json.Marshal(jsonWire{
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Payload:       payload,
		Error:         env.Error,
	})
}

func (jsonCodec) DecodeEnvelope(data []byte) (Envelope, error) {
	var w jsonWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, errors.WrapInvalid(err, "envelope", "DecodeEnvelope", "json decode")
	}
	return finish(w.CorrelationID, w.ReplyTo, w.Payload, w.Error, jsonNull)
}

// CBOR encodes envelopes with CBOR Core Deterministic Encoding. Field names
// match the JSON form.
var CBOR Codec = newCBORCodec()

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

type cborWire struct {
	CorrelationID string          `cbor:"correlationId"`
	ReplyTo       string          `cbor:"replyTo,omitempty"`
	Payload       cbor.RawMessage `cbor:"payload,omitempty"`
	Error         *RemoteError    `cbor:"error"`
}

var cborNull = []byte{0xf6}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	// Payloads decoded into any must stay JSON-compatible.
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

func (c cborCodec) EncodeEnvelope(env Envelope) ([]byte, error) {
	return c.enc.Marshal(cborWire{
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Payload:       cbor.RawMessage(env.Payload),
		Error:         env.Error,
	})
}

func (c cborCodec) DecodeEnvelope(data []byte) (Envelope, error) {
	var w cborWire
	if err := c.dec.Unmarshal(data, &w); err != nil {
		return Envelope{}, errors.WrapInvalid(err, "envelope", "DecodeEnvelope", "cbor decode")
	}
	return finish(w.CorrelationID, w.ReplyTo, w.Payload, w.Error, cborNull)
}

func finish(id, replyTo string, payload []byte, remote *RemoteError, null []byte) (Envelope, error) {
	if id == "" {
		return Envelope{}, errors.WrapInvalid(errors.ErrInvalidData, "envelope", "DecodeEnvelope", "missing correlation id")
	}
	if len(payload) == 0 || bytes.Equal(payload, null) {
		payload = nil
	}
	return Envelope{CorrelationID: id, ReplyTo: replyTo, Payload: payload, Error: remote}, nil
}
