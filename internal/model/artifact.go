package model

import (
	"time"
)

// Format is the transport container of a voice recording.
type Format string

const (
	// FormatM4A is produced by the native codec backend.
	FormatM4A Format = "m4a"
	// FormatWebM is produced by the browser recorder backend.
	FormatWebM Format = "webm"
)

// MIMEType returns the MIME type for the container.
func (f Format) MIMEType() string {
	switch f {
	case FormatM4A:
		return "audio/mp4"
	case FormatWebM:
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}

// VoiceArtifact is a captured voice recording prior to (or pending) upload.
type VoiceArtifact struct {
	ID       string        `json:"id"`
	Path     string        `json:"path"`
	Format   Format        `json:"format"`
	MIMEType string        `json:"mime_type"`
	Duration time.Duration `json:"duration"`
	Waveform []float64     `json:"waveform,omitempty"`
	ByteSize int64         `json:"byte_size"`
}
