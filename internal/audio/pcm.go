package audio

import (
	"encoding/binary"
	"fmt"
)

// PCMCodec is the little-endian 16-bit passthrough codec. It is the
// fallback when no compressed codec is linked in; the negotiated frame
// layout on the wire is identical to the capture layout.
type PCMCodec struct{}

func (PCMCodec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func (PCMCodec) Decode(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("audio: odd payload length %d", len(payload))
	}
	out := make([]int16, len(payload)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return out, nil
}
