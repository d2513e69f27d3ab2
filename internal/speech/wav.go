// Package speech holds the audio plumbing around the speech collaborators:
// recognizing WAV containers, wrapping raw PCM16 and normalizing synthesized
// audio to the 16 kHz mono PCM16 WAV the voice channel returns.
package speech

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16

	// MinAudioBytes rejects payloads too small to hold any speech.
	MinAudioBytes = 100

	formatPCM = 1
)

var (
	ErrAudioTooShort = errors.New("speech: audio payload too short")
	ErrNotWAV        = errors.New("speech: not a RIFF/WAVE container")
	ErrUnsupported   = errors.New("speech: unsupported WAV encoding")
)

// Container is the file format of an audio payload.
type Container string

const (
	ContainerWAV  Container = "wav"
	ContainerMP3  Container = "mp3"
	ContainerOGG  Container = "ogg"
	ContainerFLAC Container = "flac"
	ContainerWebM Container = "webm"
	ContainerM4A  Container = "m4a"
	// ContainerRaw is headerless 16 kHz mono PCM16.
	ContainerRaw Container = "pcm"
)

// DetectContainer sniffs the leading magic bytes of b. Anything unrecognized
// is reported as ContainerRaw.
func DetectContainer(b []byte) Container {
	switch {
	case IsWAV(b):
		return ContainerWAV
	case bytes.HasPrefix(b, []byte("ID3")),
		len(b) >= 2 && b[0] == 0xFF && (b[1] == 0xFB || b[1] == 0xF3 || b[1] == 0xF2):
		return ContainerMP3
	case bytes.HasPrefix(b, []byte("OggS")):
		return ContainerOGG
	case bytes.HasPrefix(b, []byte("fLaC")):
		return ContainerFLAC
	case bytes.HasPrefix(b, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return ContainerWebM
	case len(b) >= 8 && string(b[4:8]) == "ftyp":
		return ContainerM4A
	default:
		return ContainerRaw
	}
}

// FileName is the upload name recognizers use to pick a decoder.
func (c Container) FileName() string {
	if c == ContainerRaw || c == "" {
		return "audio.wav"
	}
	return "audio." + string(c)
}

// Format describes an audio payload. The PCM fields are only set for WAV.
type Format struct {
	Container     Container
	AudioFormat   int
	Channels      int
	SampleRate    int
	BitsPerSample int

	data []byte
}

// IsRecognizerNative reports whether f already matches the recognizer's
// preferred input (16 kHz, mono, PCM16).
func (f Format) IsRecognizerNative() bool {
	return f.AudioFormat == formatPCM && f.SampleRate == SampleRate && f.Channels == Channels && f.BitsPerSample == BitsPerSample
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// Parse walks the RIFF chunks and returns the fmt description and data.
func Parse(b []byte) (Format, error) {
	if !IsWAV(b) {
		return Format{}, ErrNotWAV
	}
	var (
		f       = Format{Container: ContainerWAV}
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(b) || size < 0 {
			// Streamed WAVs often carry a placeholder data size.
			if id == "data" {
				end = len(b)
			} else {
				return Format{}, fmt.Errorf("speech: chunk %q overruns payload", id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, fmt.Errorf("speech: fmt chunk too small (%d bytes)", size)
			}
			f.AudioFormat = int(binary.LittleEndian.Uint16(b[body : body+2]))
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, errors.New("speech: data chunk before fmt chunk")
			}
			f.data = b[body:end]
			return f, nil
		}
		pos = end + end%2
	}
	return Format{}, errors.New("speech: no data chunk")
}

// WrapPCM16 prefixes little-endian PCM16 samples with a canonical WAV header.
func WrapPCM16(pcm []byte, sampleRate, channels int) []byte {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	if channels <= 0 {
		channels = Channels
	}
	blockAlign := channels * BitsPerSample / 8
	byteRate := sampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(formatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(BitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// PrepareInput turns a caller payload into audio the recognizer accepts.
// WAV and compressed containers pass through untouched; headerless data is
// taken to be raw 16 kHz mono PCM16 and wrapped.
func PrepareInput(audio []byte) ([]byte, Format, error) {
	if len(audio) < MinAudioBytes {
		return nil, Format{}, ErrAudioTooShort
	}
	switch c := DetectContainer(audio); c {
	case ContainerWAV:
		f, err := Parse(audio)
		if err != nil {
			return nil, Format{}, err
		}
		return audio, f, nil
	case ContainerRaw:
	default:
		return audio, Format{Container: c}, nil
	}
	pcm := audio
	if len(pcm)%2 == 1 {
		pcm = pcm[:len(pcm)-1]
	}
	wav := WrapPCM16(pcm, SampleRate, Channels)
	return wav, Format{Container: ContainerWAV, AudioFormat: formatPCM, Channels: Channels, SampleRate: SampleRate, BitsPerSample: BitsPerSample, data: pcm}, nil
}

// NormalizeOutput converts a PCM16 WAV of any rate and channel count to
// 16 kHz mono PCM16 WAV, downmixing by averaging and resampling linearly.
func NormalizeOutput(wav []byte) ([]byte, error) {
	f, err := Parse(wav)
	if err != nil {
		return nil, err
	}
	if f.IsRecognizerNative() {
		return wav, nil
	}
	if f.AudioFormat != formatPCM || f.BitsPerSample != BitsPerSample || f.Channels <= 0 || f.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: format=%d bits=%d channels=%d", ErrUnsupported, f.AudioFormat, f.BitsPerSample, f.Channels)
	}

	frames := len(f.data) / (2 * f.Channels)
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < f.Channels; ch++ {
			off := (i*f.Channels + ch) * 2
			sum += float64(int16(binary.LittleEndian.Uint16(f.data[off : off+2])))
		}
		mono[i] = sum / float64(f.Channels)
	}

	out := resample(mono, f.SampleRate, SampleRate)
	pcm := make([]byte, 2*len(out))
	for i, s := range out {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(clamp16(s)))
	}
	return WrapPCM16(pcm, SampleRate, Channels), nil
}

func resample(in []float64, from, to int) []float64 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float64, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
