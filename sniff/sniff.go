// Package sniff classifies audio payload prefixes into container types.
package sniff

import (
	"bytes"
	"sync"
)

// Type identifies a recognized audio container.
type Type string

// Recognized container types.
const (
	TypeWAV     Type = "wav"
	TypeMP3     Type = "mp3"
	TypeWebM    Type = "webm"
	TypeOgg     Type = "ogg"
	TypeUnknown Type = "unknown"
)

// FallbackMimeType is reported for unrecognized payloads. MPEG audio is the
// most widely decodable guess.
const FallbackMimeType = "audio/mpeg"

// Info describes a classified payload prefix.
type Info struct {
	// Type is the detected container type.
	Type Type
	// MimeType is the mime type to negotiate with a decode sink.
	MimeType string
	// Streamable reports whether the container can be fed to a decode sink
	// incrementally.
	Streamable bool
	// RequiresConversion reports whether the payload must be materialized and
	// converted before playback. Raw PCM containers are generally not
	// incrementally appendable.
	RequiresConversion bool
}

// Container signatures.
var (
	riffSignature = []byte("RIFF")
	waveSignature = []byte("WAVE")
	id3Signature  = []byte("ID3")
	ebmlSignature = []byte{0x1A, 0x45, 0xDF, 0xA3}
	oggSignature  = []byte("OggS")
)

// Detect classifies a byte prefix. It is deterministic, has no side effects,
// and runs in O(len(prefix)).
func Detect(prefix []byte) Info {
	switch {
	case isWAV(prefix):
		return Info{Type: TypeWAV, MimeType: "audio/wav", Streamable: false, RequiresConversion: true}
	case isMP3(prefix):
		return Info{Type: TypeMP3, MimeType: "audio/mpeg", Streamable: true}
	case bytes.HasPrefix(prefix, ebmlSignature):
		return Info{Type: TypeWebM, MimeType: "audio/webm", Streamable: true}
	case bytes.HasPrefix(prefix, oggSignature):
		return Info{Type: TypeOgg, MimeType: "audio/ogg", Streamable: true}
	default:
		return Info{Type: TypeUnknown, MimeType: FallbackMimeType, Streamable: false}
	}
}

func isWAV(prefix []byte) bool {
	return len(prefix) >= 12 &&
		bytes.HasPrefix(prefix, riffSignature) &&
		bytes.Equal(prefix[8:12], waveSignature)
}

// isMP3 matches either an ID3 tag or an MPEG frame-sync pattern: 0xFF followed
// by a byte with the top three bits set.
func isMP3(prefix []byte) bool {
	if bytes.HasPrefix(prefix, id3Signature) {
		return true
	}
	return len(prefix) >= 2 && prefix[0] == 0xFF && prefix[1]&0xE0 == 0xE0
}

// CapabilityProbe answers whether a decode sink can accept the given mime
// type. Probing may be expensive on some hosts, so answers are memoized.
type CapabilityProbe func(mimeType string) bool

// Sniffer combines prefix detection with memoized sink capability answers.
// Construct one per application instead of sharing hidden global state.
type Sniffer struct {
	probe CapabilityProbe

	mu      sync.Mutex
	support map[string]bool
}

// NewSniffer creates a Sniffer. probe may be nil, in which case every mime
// type is reported as supported.
func NewSniffer(probe CapabilityProbe) *Sniffer {
	return &Sniffer{
		probe:   probe,
		support: make(map[string]bool),
	}
}

// Detect classifies a byte prefix. Identical to the package-level Detect.
func (s *Sniffer) Detect(prefix []byte) Info {
	return Detect(prefix)
}

// Supports reports whether the decode sink accepts the given mime type.
// The first probe per mime type is remembered for the lifetime of the Sniffer.
func (s *Sniffer) Supports(mimeType string) bool {
	if s.probe == nil {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if supported, ok := s.support[mimeType]; ok {
		return supported
	}
	supported := s.probe(mimeType)
	s.support[mimeType] = supported
	return supported
}
