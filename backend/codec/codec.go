// Package codec serializes operations into the opaque payload of log
// entries.
//
// A payload is framed as [version][kind][body] where body is the JSON
// encoding of the operation.
package codec

import (
	"Inkwell/backend/types"
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"golang.org/x/xerrors"
)

// Version is the current framing version.
const Version byte = 1

const headerLen = 2

// Encode returns the payload of op.
func Encode(op types.Operation) ([]byte, error) {
	if err := Check(op); err != nil {
		return nil, err
	}

	var body []byte
	var err error
	switch o := op.(type) {
	case types.InsertOp:
		body, err = json.Marshal(o)
	case types.DeleteOp:
		body, err = json.Marshal(o)
	case types.MetadataOp:
		body, err = json.Marshal(o)
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal %s: %v", op.Name(), err)
	}

	buf := make([]byte, 0, headerLen+len(body))
	buf = append(buf, Version, byte(op.Kind()))
	return append(buf, body...), nil
}

// Decode parses a payload produced by Encode. Any payload that does not
// decode to a valid operation yields types.ErrMalformedEntry.
func Decode(payload []byte) (types.Operation, error) {
	if len(payload) < headerLen {
		return nil, xerrors.Errorf("payload of %d bytes: %w", len(payload), types.ErrMalformedEntry)
	}
	if payload[0] != Version {
		return nil, xerrors.Errorf("unsupported codec version %d: %w", payload[0], types.ErrMalformedEntry)
	}

	var op types.Operation
	body := payload[headerLen:]
	switch types.OpKind(payload[1]) {
	case types.InsertKind:
		var o types.InsertOp
		if err := unmarshal(body, &o); err != nil {
			return nil, err
		}
		op = o
	case types.DeleteKind:
		var o types.DeleteOp
		if err := unmarshal(body, &o); err != nil {
			return nil, err
		}
		op = o
	case types.MetadataKind:
		var o types.MetadataOp
		if err := unmarshal(body, &o); err != nil {
			return nil, err
		}
		op = o
	default:
		return nil, xerrors.Errorf("unknown operation kind %d: %w", payload[1], types.ErrMalformedEntry)
	}

	if err := Check(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Check validates the fields of op that do not depend on document state.
func Check(op types.Operation) error {
	switch o := op.(type) {
	case types.InsertOp:
		if o.Text == "" {
			return xerrors.Errorf("empty insert: %w", types.ErrMalformedEntry)
		}
		if !utf8.ValidString(o.Text) {
			return xerrors.Errorf("insert text is not utf-8: %w", types.ErrMalformedEntry)
		}
		if o.Clock == 0 {
			return xerrors.Errorf("insert without clock: %w", types.ErrMalformedEntry)
		}
		if _, ok := o.LastClock(); !ok {
			return xerrors.Errorf("insert of clock %d overflows: %w", o.Clock, types.ErrMalformedEntry)
		}
		if err := checkID(o.Parent, true); err != nil {
			return err
		}
	case types.DeleteOp:
		if len(o.Targets) == 0 {
			return xerrors.Errorf("delete without target: %w", types.ErrMalformedEntry)
		}
		for _, t := range o.Targets {
			if err := checkID(t, false); err != nil {
				return err
			}
		}
	case types.MetadataOp:
		if o.Index < 0 || o.Anchor < 0 {
			return xerrors.Errorf("negative cursor: %w", types.ErrMalformedEntry)
		}
	case nil:
		return xerrors.Errorf("nil operation: %w", types.ErrMalformedEntry)
	}
	return nil
}

func checkID(id types.CharID, headAllowed bool) error {
	if id.IsHead() {
		if headAllowed {
			return nil
		}
		return xerrors.Errorf("head is not a character: %w", types.ErrMalformedEntry)
	}
	if id.Clock == 0 || id.Author == "" {
		return xerrors.Errorf("invalid character id %s: %w", id, types.ErrMalformedEntry)
	}
	return nil
}

func unmarshal(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Errorf("failed to unmarshal body: %v: %w", err, types.ErrMalformedEntry)
	}
	return nil
}
