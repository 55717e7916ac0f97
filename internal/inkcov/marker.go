package inkcov

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// ColorModel is the process color model a PostScript producer declared.
type ColorModel int

const (
	ModelUnknown ColorModel = iota
	ModelGray
	ModelCMYK
)

func (m ColorModel) String() string {
	switch m {
	case ModelGray:
		return "gray"
	case ModelCMYK:
		return "cmyk"
	default:
		return "unknown"
	}
}

var (
	markerGray = []byte("/ProcessColorModel /DeviceGray")
	markerCMYK = []byte("/ProcessColorModel /DeviceCMYK")
)

const scanChunk = 64 << 10

// Bytes carried between chunks so a marker split across two reads is still
// found. A complete marker never fits in it, so nothing matches twice.
var scanOverlap = max(len(markerGray), len(markerCMYK)) - 1

// DetectColorModel scans a PostScript document for the color model the
// producer declared. The first marker in the stream wins; ModelUnknown means
// the document declares neither. Memory use is bounded regardless of line
// length.
func DetectColorModel(r io.Reader) (ColorModel, error) {
	buf := make([]byte, scanChunk+scanOverlap)
	keep := 0
	for {
		n, err := r.Read(buf[keep:])
		window := buf[:keep+n]
		if m := firstMarker(window); m != ModelUnknown {
			return m, nil
		}
		if err == io.EOF {
			return ModelUnknown, nil
		}
		if err != nil {
			return ModelUnknown, fmt.Errorf("failed to scan document: %w", err)
		}

		keep = min(len(window), scanOverlap)
		copy(buf, window[len(window)-keep:])
	}
}

func firstMarker(window []byte) ColorModel {
	gray := bytes.Index(window, markerGray)
	cmyk := bytes.Index(window, markerCMYK)
	switch {
	case gray >= 0 && (cmyk < 0 || gray < cmyk):
		return ModelGray
	case cmyk >= 0:
		return ModelCMYK
	default:
		return ModelUnknown
	}
}

func DetectColorModelFile(path string) (ColorModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return ModelUnknown, fmt.Errorf("failed to open document: %w", err)
	}
	defer f.Close()
	return DetectColorModel(f)
}
