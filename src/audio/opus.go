package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const opusDecodeRate = 48000

// OpusTranscoder decodes Ogg/Opus clips to linear PCM via libopus.
type OpusTranscoder struct{}

// NewOpusTranscoder returns a transcoder for Ogg-contained Opus clips.
func NewOpusTranscoder() *OpusTranscoder {
	return &OpusTranscoder{}
}

// Transcode implements ClipTranscoder for ClipFormatOpus.
func (t *OpusTranscoder) Transcode(data []byte, format ClipFormat, sampleRate int) ([]int16, error) {
	if format != ClipFormatOpus {
		return nil, fmt.Errorf("opus transcoder cannot decode %s", format)
	}

	packets, err := oggOpusPackets(data)
	if err != nil {
		return nil, err
	}

	dec, err := opus.NewDecoder(opusDecodeRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	// 120 ms at 48 kHz is the largest frame libopus can emit.
	buf := make([]int16, 5760)
	var pcm []int16
	for _, pkt := range packets {
		n, err := dec.Decode(pkt, buf)
		if err != nil {
			return nil, fmt.Errorf("decode opus packet: %w", err)
		}
		pcm = append(pcm, buf[:n]...)
	}

	if sampleRate != opusDecodeRate {
		pcm = Resample(pcm, opusDecodeRate, sampleRate)
	}
	return pcm, nil
}

// oggOpusPackets extracts Opus packets from an Ogg container, skipping the
// OpusHead and OpusTags header packets.
func oggOpusPackets(data []byte) ([][]byte, error) {
	var packets [][]byte
	var pending []byte
	offset := 0

	for offset+27 <= len(data) {
		if string(data[offset:offset+4]) != "OggS" {
			return nil, fmt.Errorf("bad ogg page capture at offset %d", offset)
		}
		segCount := int(data[offset+26])
		lacing := offset + 27
		body := lacing + segCount
		if body > len(data) {
			return nil, fmt.Errorf("truncated ogg lacing table")
		}

		for i := 0; i < segCount; i++ {
			segLen := int(data[lacing+i])
			if body+segLen > len(data) {
				return nil, fmt.Errorf("truncated ogg segment")
			}
			pending = append(pending, data[body:body+segLen]...)
			body += segLen
			// A lacing value under 255 terminates the packet.
			if segLen < 255 {
				packets = append(packets, pending)
				pending = nil
			}
		}
		offset = body
	}

	// Drop OpusHead and OpusTags; everything after is audio.
	audio := packets[:0]
	for _, pkt := range packets {
		if len(pkt) >= 8 && (string(pkt[:8]) == "OpusHead" || string(pkt[:8]) == "OpusTags") {
			continue
		}
		audio = append(audio, pkt)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("no opus audio packets found")
	}
	return audio, nil
}
