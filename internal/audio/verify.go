package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/househunter/messaging/internal/model"
)

// ErrUnknownContainer is returned when a file matches no supported container.
var ErrUnknownContainer = errors.New("unknown audio container")

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// Verifier checks that a captured file can be decoded.
type Verifier interface {
	Verify(path string, format model.Format) error
}

// HeaderVerifier validates the container signature at the head of the file.
type HeaderVerifier struct{}

// Verify reads the file header and checks it against format.
func (HeaderVerifier) Verify(path string, format model.Format) error {
	detected, err := DetectFormat(path)
	if err != nil {
		return err
	}
	if detected != format {
		return fmt.Errorf("expected %s container, found %s: %w", format, detected, ErrUnknownContainer)
	}
	return nil
}

// DetectFormat sniffs the container of a file.
func DetectFormat(path string) (model.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 12)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("failed to read header: %w", ErrUnknownContainer)
	}
	return detectHeader(head[:n])
}

func detectHeader(head []byte) (model.Format, error) {
	switch {
	case len(head) >= 4 && bytes.Equal(head[:4], ebmlMagic):
		return model.FormatWebM, nil
	case len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp")):
		return model.FormatM4A, nil
	default:
		return "", ErrUnknownContainer
	}
}
