// Package testutil provides audio payload builders and fake sink
// implementations shared across the engine's tests.
package testutil

import "encoding/binary"

// WAVBytes builds a minimal RIFF/WAVE payload: a 44-byte PCM header followed
// by dataLen bytes of sample data.
func WAVBytes(dataLen int) []byte {
	return WAVBytesWithSamples(make([]byte, dataLen))
}

// WAVBytesWithSamples builds a 16-bit mono 44.1kHz RIFF/WAVE payload around
// the given sample data.
func WAVBytesWithSamples(samples []byte) []byte {
	const (
		numChannels   = 1
		sampleRate    = 44100
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	buf := make([]byte, 0, 44+len(samples))
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(samples)))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, numChannels)
	buf = binary.LittleEndian.AppendUint32(buf, sampleRate)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, bitsPerSample)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(samples)))
	buf = append(buf, samples...)
	return buf
}

// MP3Bytes builds a payload starting with an MPEG frame sync.
func MP3Bytes(dataLen int) []byte {
	buf := make([]byte, dataLen+4)
	buf[0] = 0xFF
	buf[1] = 0xFB
	return buf
}

// ID3Bytes builds a payload starting with an ID3v2 tag header.
func ID3Bytes(dataLen int) []byte {
	buf := make([]byte, dataLen+10)
	copy(buf, "ID3")
	return buf
}

// OggBytes builds a payload starting with the Ogg capture pattern.
func OggBytes(dataLen int) []byte {
	buf := make([]byte, dataLen+4)
	copy(buf, "OggS")
	return buf
}

// EBMLBytes builds a payload starting with the EBML magic used by WebM.
func EBMLBytes(dataLen int) []byte {
	buf := make([]byte, dataLen+4)
	copy(buf, []byte{0x1A, 0x45, 0xDF, 0xA3})
	return buf
}
