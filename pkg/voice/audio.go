package voice

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Frame is a fixed-duration block of 16-bit mono PCM samples.
type Frame []int16

// rms returns the frame's root-mean-square energy normalized to 0..1.
func rms(frame Frame) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// encodeWAV wraps raw 16-bit mono PCM in a RIFF header so HTTP STT backends
// accept it without format hints.
func encodeWAV(pcm []int16, sampleRate int) []byte {
	dataLen := len(pcm) * 2
	var buf bytes.Buffer
	buf.Grow(44 + dataLen)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	for _, s := range pcm {
		binary.Write(&buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}

// bytesToFrame converts little-endian 16-bit PCM bytes to samples. A
// trailing odd byte is dropped.
func bytesToFrame(b []byte) Frame {
	frame := make(Frame, len(b)/2)
	for i := range frame {
		frame[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return frame
}
