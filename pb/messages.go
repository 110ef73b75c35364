// Package pb decodes and encodes the three wire schemas the core consumes
// as opaque protobuf bytes. These are external .proto contracts whose
// field numbers are the constants below; the core only needs a thin
// decode/encode boundary, so messages are read and written directly with
// protobuf's low-level wire encoder instead of full generated codegen.
package pb

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/TogetherForABetterAI/calibration-service/errors"
)

// Field numbers, bit-exact with the external .proto contracts.
const (
	inputsFieldBatchIndex  = 1
	inputsFieldData        = 2
	inputsFieldLabels      = 3
	inputsFieldIsLastBatch = 4

	outputsFieldBatchIndex = 1
	outputsFieldPred       = 2
	outputsFieldEOF        = 3

	predictionListFieldValues = 1

	envelopeFieldBatchIndex = 1
	envelopeFieldUserID     = 2
	envelopeFieldSessionID  = 3
	envelopeFieldData       = 4
	envelopeFieldLabels     = 5
	envelopeFieldPred       = 6
)

// InputsMessage is the inputs-stream wire schema: a batch of samples with
// labels and a terminal marker.
type InputsMessage struct {
	BatchIndex  int32
	Data        []byte
	Labels      []int32
	IsLastBatch bool
}

// OutputsMessage is the outputs-stream wire schema: per-sample predicted
// class-probability vectors and a terminal marker.
type OutputsMessage struct {
	BatchIndex int32
	Pred       []PredictionList
	EOF        bool
}

// PredictionList is one sample's class-probability vector.
type PredictionList struct {
	Values []float32
}

// PairedEnvelope is the message the Batch Pairer publishes to the
// observability exchange once all three slots for a batch_index are filled.
type PairedEnvelope struct {
	BatchIndex int32
	UserID     string
	SessionID  string
	Data       []byte
	Labels     []int32
	Pred       []PredictionList
}

// DecodeInputsMessage parses an inputs-stream protobuf payload.
func DecodeInputsMessage(b []byte) (InputsMessage, error) {
	var msg InputsMessage
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case inputsFieldBatchIndex:
			msg.BatchIndex = int32(int64(scalar))
		case inputsFieldData:
			msg.Data = append([]byte(nil), v...)
		case inputsFieldLabels:
			labels, err := decodePackedOrSingleInt32(typ, v, scalar)
			if err != nil {
				return errors.Wrap(err, "decoding inputs labels")
			}
			msg.Labels = append(msg.Labels, labels...)
		case inputsFieldIsLastBatch:
			msg.IsLastBatch = scalar != 0
		}
		return nil
	})
	if err != nil {
		return InputsMessage{}, errors.Wrap(err, "decoding inputs message")
	}
	return msg, nil
}

// EncodeInputsMessage serializes an InputsMessage, mainly for tests that
// need a round-trip fixture.
func EncodeInputsMessage(msg InputsMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, inputsFieldBatchIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(msg.BatchIndex)))
	b = protowire.AppendTag(b, inputsFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, msg.Data)
	for _, l := range msg.Labels {
		b = protowire.AppendTag(b, inputsFieldLabels, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(l)))
	}
	b = protowire.AppendTag(b, inputsFieldIsLastBatch, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(msg.IsLastBatch))
	return b
}

// DecodeOutputsMessage parses an outputs-stream protobuf payload.
func DecodeOutputsMessage(b []byte) (OutputsMessage, error) {
	var msg OutputsMessage
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case outputsFieldBatchIndex:
			msg.BatchIndex = int32(int64(scalar))
		case outputsFieldPred:
			pl, err := decodePredictionList(v)
			if err != nil {
				return errors.Wrap(err, "decoding outputs pred")
			}
			msg.Pred = append(msg.Pred, pl)
		case outputsFieldEOF:
			msg.EOF = scalar != 0
		}
		return nil
	})
	if err != nil {
		return OutputsMessage{}, errors.Wrap(err, "decoding outputs message")
	}
	return msg, nil
}

// EncodeOutputsMessage serializes an OutputsMessage.
func EncodeOutputsMessage(msg OutputsMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, outputsFieldBatchIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(msg.BatchIndex)))
	for _, pl := range msg.Pred {
		b = protowire.AppendTag(b, outputsFieldPred, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePredictionList(pl))
	}
	b = protowire.AppendTag(b, outputsFieldEOF, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(msg.EOF))
	return b
}

// EncodePairedEnvelope serializes the paired envelope the Pairer publishes.
func EncodePairedEnvelope(env PairedEnvelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, envelopeFieldBatchIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(env.BatchIndex)))
	b = protowire.AppendTag(b, envelopeFieldUserID, protowire.BytesType)
	b = protowire.AppendString(b, env.UserID)
	b = protowire.AppendTag(b, envelopeFieldSessionID, protowire.BytesType)
	b = protowire.AppendString(b, env.SessionID)
	b = protowire.AppendTag(b, envelopeFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Data)
	for _, l := range env.Labels {
		b = protowire.AppendTag(b, envelopeFieldLabels, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(l)))
	}
	for _, pl := range env.Pred {
		b = protowire.AppendTag(b, envelopeFieldPred, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePredictionList(pl))
	}
	return b
}

// DecodePairedEnvelope parses a paired envelope; used by observability-side
// tests that verify what the Pairer published.
func DecodePairedEnvelope(b []byte) (PairedEnvelope, error) {
	var env PairedEnvelope
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case envelopeFieldBatchIndex:
			env.BatchIndex = int32(int64(scalar))
		case envelopeFieldUserID:
			env.UserID = string(v)
		case envelopeFieldSessionID:
			env.SessionID = string(v)
		case envelopeFieldData:
			env.Data = append([]byte(nil), v...)
		case envelopeFieldLabels:
			labels, err := decodePackedOrSingleInt32(typ, v, scalar)
			if err != nil {
				return err
			}
			env.Labels = append(env.Labels, labels...)
		case envelopeFieldPred:
			pl, err := decodePredictionList(v)
			if err != nil {
				return err
			}
			env.Pred = append(env.Pred, pl)
		}
		return nil
	})
	if err != nil {
		return PairedEnvelope{}, errors.Wrap(err, "decoding paired envelope")
	}
	return env, nil
}

func decodePredictionList(b []byte) (PredictionList, error) {
	var pl PredictionList
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		if num != predictionListFieldValues {
			return nil
		}
		switch typ {
		case protowire.BytesType:
			for len(v) >= 4 {
				pl.Values = append(pl.Values, decodeFloat32(v[:4]))
				v = v[4:]
			}
		case protowire.Fixed32Type:
			pl.Values = append(pl.Values, float32FromBits(uint32(scalar)))
		}
		return nil
	})
	return pl, err
}

func encodePredictionList(pl PredictionList) []byte {
	var packed []byte
	for _, v := range pl.Values {
		packed = appendFloat32(packed, v)
	}
	var b []byte
	b = protowire.AppendTag(b, predictionListFieldValues, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b
}

// walkFields iterates every top-level field in a protobuf message, handing
// the raw bytes (for length-delimited fields) or the decoded scalar varint
// (for varint/fixed fields) to fn.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.New("invalid protobuf tag")
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.New("invalid protobuf varint")
			}
			b = b[n:]
			if err := fn(num, typ, nil, val); err != nil {
				return err
			}
		case protowire.Fixed32Type:
			val, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return errors.New("invalid protobuf fixed32")
			}
			b = b[n:]
			if err := fn(num, typ, nil, uint64(val)); err != nil {
				return err
			}
		case protowire.Fixed64Type:
			val, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return errors.New("invalid protobuf fixed64")
			}
			b = b[n:]
			if err := fn(num, typ, nil, val); err != nil {
				return err
			}
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.New("invalid protobuf bytes")
			}
			b = b[n:]
			if err := fn(num, typ, val, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.New("invalid protobuf field")
			}
			b = b[n:]
		}
	}
	return nil
}

// decodePackedOrSingleInt32 handles a repeated int32 field that may arrive
// either packed (BytesType, varints back to back) or as repeated individual
// VarintType fields, both of which are valid wire encodings.
func decodePackedOrSingleInt32(typ protowire.Type, v []byte, scalar uint64) ([]int32, error) {
	if typ == protowire.VarintType {
		return []int32{int32(int64(scalar))}, nil
	}
	var out []int32
	for len(v) > 0 {
		val, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, errors.New("invalid packed int32")
		}
		out = append(out, int32(int64(val)))
		v = v[n:]
	}
	return out, nil
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
