// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package bus

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"
)

const envelopeSchemaURL = "touchhost://bus/message.schema.json"

var (
	envelopeOnce   sync.Once
	envelopeSchema *jschema.Schema
	envelopeErr    error
)

// EnvelopeSchema returns the JSON Schema of Message as generated from the
// Go type.
func EnvelopeSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(json.RawMessage{}) {
				return &jsonschema.Schema{}
			}
			return nil
		},
	}
	s := r.Reflect(&Message{})
	return json.Marshal(s)
}

func compiledEnvelope() (*jschema.Schema, error) {
	envelopeOnce.Do(func() {
		raw, err := EnvelopeSchema()
		if err != nil {
			envelopeErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			envelopeErr = err
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
			envelopeErr = err
			return
		}
		envelopeSchema, envelopeErr = c.Compile(envelopeSchemaURL)
	})
	return envelopeSchema, envelopeErr
}

// DecodeMessage validates raw against the envelope schema and decodes it.
func DecodeMessage(raw []byte) (*Message, error) {
	schema, err := compiledEnvelope()
	if err != nil {
		return nil, oops.Code(CodeInvalidMessage).Wrapf(err, "compile envelope schema")
	}

	inst, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, oops.Code(CodeInvalidMessage).Wrapf(err, "parse message")
	}
	if err := schema.Validate(inst); err != nil {
		return nil, oops.Code(CodeInvalidMessage).Wrapf(err, "validate message")
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, oops.Code(CodeInvalidMessage).Wrapf(err, "decode message")
	}
	if msg.Header.Status != StatusReply && msg.Header.Status != StatusSend && msg.CorrelationID() == "" {
		return nil, oops.Code(CodeInvalidMessage).
			With("channel", msg.Channel).
			Errorf("request without correlation id")
	}
	if msg.Header.Status == StatusReply && msg.CorrelationID() == "" {
		return nil, oops.Code(CodeInvalidMessage).
			With("channel", msg.Channel).
			Errorf("reply without correlation id")
	}
	return &msg, nil
}
