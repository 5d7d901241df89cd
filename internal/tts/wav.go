package tts

import (
	"bytes"
	"encoding/binary"
)

// Preamble returns a RIFF/WAVE header describing f with a zero-length data
// chunk. Clients prepend it to the PCM frames that follow.
func Preamble(f Format) []byte {
	bytesPerSample := f.BitDepth / 8
	buf := &bytes.Buffer{}
	buf.Grow(44)

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(f.NumChannels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate*f.NumChannels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(f.NumChannels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(f.BitDepth))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(0))
	return buf.Bytes()
}
