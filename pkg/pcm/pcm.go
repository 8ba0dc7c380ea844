// Package pcm provides helpers for the fixed audio format the session core
// ingests: 16 kHz mono PCM16, framed into one-second chunks.
package pcm

import (
	"encoding/binary"
	"io"
)

const (
	// SampleRate is the only sample rate the core accepts.
	SampleRate = 16000

	// Channels is the number of audio channels (mono).
	Channels = 1

	// BytesPerSample is the size of one PCM16 sample.
	BytesPerSample = 2

	// BytesPerSecond is the size of one second of audio.
	BytesPerSecond = SampleRate * Channels * BytesPerSample

	// ChunkBytes is the exact payload size of a one-second ingest chunk.
	ChunkBytes = BytesPerSecond

	// headerLen is the size of the canonical RIFF/WAVE header.
	headerLen = 44
)

// ValidChunk reports whether data is exactly one second of audio.
func ValidChunk(data []byte) bool {
	return len(data) == ChunkBytes
}

// Silence returns n seconds of silence.
func Silence(seconds int) []byte {
	return make([]byte, seconds*BytesPerSecond)
}

// WriteWAVHeader writes the 44-byte RIFF/WAVE header for dataLen bytes of
// 16 kHz mono PCM16 payload.
func WriteWAVHeader(w io.Writer, dataLen int) error {
	var buf [headerLen]byte
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], Channels)
	binary.LittleEndian.PutUint32(buf[24:28], SampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], BytesPerSecond) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], Channels*BytesPerSample)
	binary.LittleEndian.PutUint16(buf[34:36], 8*BytesPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	_, err := w.Write(buf[:])
	return err
}
