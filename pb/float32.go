package pb

import "math"

// decodeFloat32 reads one little-endian IEEE-754 float32, the layout both
// the protobuf `float` wire type and the inputs message's flat tensor
// buffer use.
func decodeFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return float32FromBits(bits)
}

func float32FromBits(bits uint32) float32 {
	return math.Float32frombits(bits)
}

func appendFloat32(b []byte, v float32) []byte {
	bits := math.Float32bits(v)
	return append(b, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
}

// AppendFloat32 appends the little-endian IEEE-754 encoding of v to b, the
// layout callers outside this package use to rebuild a flat tensor buffer
// (e.g. the Pairer serializing a decoded Tensor back to wire bytes for the
// paired envelope).
func AppendFloat32(b []byte, v float32) []byte {
	return appendFloat32(b, v)
}
