// Package postprocess materializes a cached chunk sequence into a single
// playable blob. For PCM WAV payloads it can trim leading and trailing
// silence, rewriting the RIFF header to match; every other format passes
// through untouched.
package postprocess

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/resono-audio/resono/sniff"
)

// DefaultSilenceThreshold is the absolute 16-bit amplitude below which a
// sample counts as silence.
const DefaultSilenceThreshold = 512

// Options controls one processing run.
type Options struct {
	// TrimSilence removes leading and trailing silence from PCM WAV
	// payloads. Non-WAV payloads are never modified.
	TrimSilence bool
	// SilenceThreshold overrides DefaultSilenceThreshold when positive.
	SilenceThreshold int16
	// MimeTypeOverride forces the output mime type instead of sniffing.
	MimeTypeOverride string
}

// Result is the materialized output blob plus trim metadata.
type Result struct {
	Data     []byte
	MimeType string
	// Trimmed reports whether any samples were removed.
	Trimmed bool
	// LeadingTrimmed and TrailingTrimmed count removed bytes of sample data.
	LeadingTrimmed  int
	TrailingTrimmed int
}

// Process flattens the chunk sequence into one blob. It is a pure function
// of its inputs.
func Process(chunks [][]byte, opts Options) (Result, error) {
	data := bytes.Join(chunks, nil)

	mimeType := opts.MimeTypeOverride
	info := sniff.Detect(data)
	if mimeType == "" {
		mimeType = info.MimeType
	}

	if !opts.TrimSilence || info.Type != sniff.TypeWAV {
		return Result{Data: data, MimeType: mimeType}, nil
	}

	trimmed, leading, trailing, err := trimWAVSilence(data, silenceThreshold(opts))
	if err != nil {
		return Result{}, fmt.Errorf("trimming silence: %w", err)
	}
	return Result{
		Data:            trimmed,
		MimeType:        mimeType,
		Trimmed:         leading > 0 || trailing > 0,
		LeadingTrimmed:  leading,
		TrailingTrimmed: trailing,
	}, nil
}

func silenceThreshold(opts Options) int16 {
	if opts.SilenceThreshold > 0 {
		return opts.SilenceThreshold
	}
	return DefaultSilenceThreshold
}

// wavHeader is the canonical 44-byte RIFF/WAVE header layout.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

const wavHeaderSize = 44

// trimWAVSilence removes silent 16-bit PCM frames from both ends of the data
// chunk and rewrites the size fields. Payloads the trimmer cannot parse are
// returned unchanged rather than failing the whole pipeline.
func trimWAVSilence(data []byte, threshold int16) ([]byte, int, int, error) {
	if len(data) < wavHeaderSize {
		return data, 0, 0, nil
	}

	var header wavHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("reading header: %w", err)
	}

	// Only canonical 16-bit PCM layouts are trimmed.
	if string(header.Subchunk1ID[:]) != "fmt " ||
		string(header.Subchunk2ID[:]) != "data" ||
		header.AudioFormat != 1 ||
		header.BitsPerSample != 16 {
		return data, 0, 0, nil
	}

	samples := data[wavHeaderSize:]
	if int(header.Subchunk2Size) < len(samples) {
		samples = samples[:header.Subchunk2Size]
	}

	frameSize := int(header.BlockAlign)
	if frameSize == 0 {
		frameSize = 2 * int(header.NumChannels)
	}
	if frameSize == 0 || len(samples) < frameSize {
		return data, 0, 0, nil
	}
	frames := len(samples) / frameSize

	first := 0
	for first < frames && frameSilent(samples[first*frameSize:(first+1)*frameSize], threshold) {
		first++
	}
	if first == frames {
		// Entirely silent; keep one frame so the output stays playable.
		first = frames - 1
	}
	last := frames - 1
	for last > first && frameSilent(samples[last*frameSize:(last+1)*frameSize], threshold) {
		last--
	}

	leading := first * frameSize
	trailing := (frames - 1 - last) * frameSize
	if leading == 0 && trailing == 0 {
		return data, 0, 0, nil
	}

	kept := samples[leading : (last+1)*frameSize]
	header.Subchunk2Size = uint32(len(kept))
	header.ChunkSize = 36 + header.Subchunk2Size

	out := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(kept)))
	if err := binary.Write(out, binary.LittleEndian, header); err != nil {
		return nil, 0, 0, fmt.Errorf("writing header: %w", err)
	}
	out.Write(kept)
	return out.Bytes(), leading, trailing, nil
}

// frameSilent reports whether every channel sample in the frame is below the
// threshold.
func frameSilent(frame []byte, threshold int16) bool {
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int32(int16(binary.LittleEndian.Uint16(frame[i : i+2])))
		if sample < 0 {
			sample = -sample
		}
		if sample >= int32(threshold) {
			return false
		}
	}
	return true
}
