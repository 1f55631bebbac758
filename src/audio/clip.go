package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// ClipFormat identifies the container/codec of a fetched audio clip.
type ClipFormat string

const (
	ClipFormatWAV        ClipFormat = "wav"
	ClipFormatOpus       ClipFormat = "opus"
	ClipFormatMP3        ClipFormat = "mp3"
	ClipFormatRawMulaw   ClipFormat = "mulaw"
	ClipFormatRawPCM     ClipFormat = "pcm"
	ClipFormatUnknown    ClipFormat = "unknown"
)

// ClipTranscoder decodes a compressed clip into linear PCM16 at the given
// sample rate. Implementations wrap an external codec library.
type ClipTranscoder interface {
	Transcode(data []byte, format ClipFormat, sampleRate int) ([]int16, error)
}

// SniffClipFormat determines a clip's format from its content type, URL
// extension, and leading bytes, in that order of preference.
func SniffClipFormat(contentType, url string, data []byte) ClipFormat {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "wav"), strings.Contains(ct, "x-wav"):
		return ClipFormatWAV
	case strings.Contains(ct, "opus"), strings.Contains(ct, "ogg"):
		return ClipFormatOpus
	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return ClipFormatMP3
	case strings.Contains(ct, "mulaw"), strings.Contains(ct, "basic"):
		return ClipFormatRawMulaw
	}

	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".wav"):
		return ClipFormatWAV
	case strings.HasSuffix(lower, ".opus"), strings.HasSuffix(lower, ".ogg"):
		return ClipFormatOpus
	case strings.HasSuffix(lower, ".mp3"):
		return ClipFormatMP3
	case strings.HasSuffix(lower, ".ulaw"), strings.HasSuffix(lower, ".mulaw"):
		return ClipFormatRawMulaw
	}

	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return ClipFormatWAV
	}
	if len(data) >= 4 && string(data[0:4]) == "OggS" {
		return ClipFormatOpus
	}
	return ClipFormatUnknown
}

// wavInfo holds the fields of a parsed WAV fmt chunk we care about.
type wavInfo struct {
	audioFormat uint16 // 1 = PCM, 7 = mu-law
	channels    uint16
	sampleRate  uint32
}

// StripWAVHeader walks the RIFF chunks of a WAV file and returns the raw
// payload of the data chunk plus its sample rate and whether the payload is
// already mu-law encoded.
func StripWAVHeader(data []byte) (payload []byte, sampleRate int, isMulaw bool, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, false, fmt.Errorf("not a RIFF/WAVE file")
	}

	var info wavInfo
	haveFmt := false
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkLen > len(data) {
			chunkLen = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return nil, 0, false, fmt.Errorf("wav fmt chunk too short: %d", chunkLen)
			}
			info.audioFormat = binary.LittleEndian.Uint16(data[body:])
			info.channels = binary.LittleEndian.Uint16(data[body+2:])
			info.sampleRate = binary.LittleEndian.Uint32(data[body+4:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, false, fmt.Errorf("wav data chunk before fmt chunk")
			}
			return data[body : body+chunkLen], int(info.sampleRate), info.audioFormat == 7, nil
		}

		// Chunks are word-aligned.
		offset = body + chunkLen
		if chunkLen%2 == 1 {
			offset++
		}
	}
	return nil, 0, false, fmt.Errorf("wav data chunk not found")
}

// ClipToMulaw converts a fetched audio clip to 8 kHz mu-law ready for the
// telephony leg. Compressed formats go through the supplied transcoder; WAV
// payloads are unwrapped; anything unrecognized is assumed to be raw mu-law
// already.
func ClipToMulaw(data []byte, format ClipFormat, transcoder ClipTranscoder) ([]byte, error) {
	switch format {
	case ClipFormatWAV:
		payload, rate, isMulaw, err := StripWAVHeader(data)
		if err != nil {
			return nil, err
		}
		if isMulaw {
			if rate != 0 && rate != TelephonySampleRate {
				return PCMToMulaw(Resample(MulawToPCM(payload), rate, TelephonySampleRate)), nil
			}
			return payload, nil
		}
		pcm := BytesToPCM(payload)
		if rate != TelephonySampleRate {
			pcm = Resample(pcm, rate, TelephonySampleRate)
		}
		return PCMToMulaw(pcm), nil

	case ClipFormatOpus, ClipFormatMP3:
		if transcoder == nil {
			return nil, fmt.Errorf("no transcoder configured for %s clip", format)
		}
		pcm, err := transcoder.Transcode(data, format, TelephonySampleRate)
		if err != nil {
			return nil, fmt.Errorf("transcode %s clip: %w", format, err)
		}
		return PCMToMulaw(pcm), nil

	case ClipFormatRawPCM:
		return PCMToMulaw(BytesToPCM(data)), nil

	default:
		return data, nil
	}
}

// ChunkFrames splits mu-law audio into fixed 20 ms frames. The final frame is
// zero-padded (mu-law silence is 0xFF) so every frame has the same size.
func ChunkFrames(mulaw []byte) [][]byte {
	if len(mulaw) == 0 {
		return nil
	}
	var frames [][]byte
	for off := 0; off < len(mulaw); off += FrameDuration20ms {
		end := off + FrameDuration20ms
		if end > len(mulaw) {
			frame := make([]byte, FrameDuration20ms)
			for i := range frame {
				frame[i] = 0xFF
			}
			copy(frame, mulaw[off:])
			frames = append(frames, frame)
			break
		}
		frames = append(frames, mulaw[off:end])
	}
	return frames
}

// PlaybackDuration estimates how long a mu-law clip takes to play at 8 kHz.
func PlaybackDuration(mulawLen int) time.Duration {
	return time.Duration(mulawLen) * time.Second / TelephonySampleRate
}
