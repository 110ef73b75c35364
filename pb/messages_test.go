package pb

import (
	"reflect"
	"testing"
)

func TestInputsMessageRoundTrip(t *testing.T) {
	msg := InputsMessage{
		BatchIndex:  7,
		Data:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Labels:      []int32{3, 1, 4, 1, 5},
		IsLastBatch: true,
	}

	got, err := DecodeInputsMessage(EncodeInputsMessage(msg))
	if err != nil {
		t.Fatalf("DecodeInputsMessage() error = %v", err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Errorf("round trip = %+v, want %+v", got, msg)
	}
}

func TestOutputsMessageRoundTrip(t *testing.T) {
	msg := OutputsMessage{
		BatchIndex: 3,
		Pred: []PredictionList{
			{Values: []float32{0.1, 0.2, 0.7}},
			{Values: []float32{0.9, 0.05, 0.05}},
		},
		EOF: true,
	}

	got, err := DecodeOutputsMessage(EncodeOutputsMessage(msg))
	if err != nil {
		t.Fatalf("DecodeOutputsMessage() error = %v", err)
	}
	if got.BatchIndex != msg.BatchIndex || got.EOF != msg.EOF {
		t.Fatalf("got = %+v, want %+v", got, msg)
	}
	if len(got.Pred) != len(msg.Pred) {
		t.Fatalf("len(Pred) = %d, want %d", len(got.Pred), len(msg.Pred))
	}
	for i := range msg.Pred {
		for j, v := range msg.Pred[i].Values {
			if got.Pred[i].Values[j] != v {
				t.Errorf("Pred[%d].Values[%d] = %v, want %v", i, j, got.Pred[i].Values[j], v)
			}
		}
	}
}

func TestPairedEnvelopeRoundTrip(t *testing.T) {
	env := PairedEnvelope{
		BatchIndex: 2,
		UserID:     "user-1",
		SessionID:  "sess-1",
		Data:       []byte{9, 9, 9},
		Labels:     []int32{0, 1},
		Pred:       []PredictionList{{Values: []float32{0.5, 0.5}}},
	}

	got, err := DecodePairedEnvelope(EncodePairedEnvelope(env))
	if err != nil {
		t.Fatalf("DecodePairedEnvelope() error = %v", err)
	}
	if got.UserID != env.UserID || got.SessionID != env.SessionID || got.BatchIndex != env.BatchIndex {
		t.Errorf("got = %+v, want %+v", got, env)
	}
}

func TestDecodeOutputsMessage_Malformed(t *testing.T) {
	if _, err := DecodeOutputsMessage([]byte{0xFF}); err == nil {
		t.Error("DecodeOutputsMessage() expected error for malformed bytes")
	}
}
