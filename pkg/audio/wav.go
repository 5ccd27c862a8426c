// Package audio holds small PCM helpers shared by capture and the providers:
// WAV framing for transcription uploads and amplitude metering for UI
// feedback.
package audio

import "encoding/binary"

const wavHeaderLen = 44

// EncodeWAV wraps mono 16-bit little-endian PCM in a RIFF/WAVE container so
// it can be posted to transcription endpoints as a regular audio file.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, wavHeaderLen, wavHeaderLen+len(pcm))
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(wavHeaderLen-8+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)                   // fmt chunk size
	le.PutUint16(out[20:22], 1)                    // PCM
	le.PutUint16(out[22:24], 1)                    // mono
	le.PutUint32(out[24:28], uint32(sampleRate))   // sample rate
	le.PutUint32(out[28:32], uint32(sampleRate*2)) // byte rate
	le.PutUint16(out[32:34], 2)                    // block align
	le.PutUint16(out[34:36], 16)                   // bits per sample

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(pcm)))

	return append(out, pcm...)
}
