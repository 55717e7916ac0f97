package inkcov

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = ` 0.00000  0.00000  0.00000  0.04012 CMYK OK
 0.01234  0.02000  0.00500  0.10000 CMYK OK
   **** Warning: something gs says
 0.10000  0.10000  0.10000  0.00000 CMYK OK
`

func TestParse(t *testing.T) {
	pages, err := Parse(strings.NewReader(sampleOutput))
	require.NoError(t, err)
	require.Len(t, pages, 3)

	assert.True(t, pages[0].Monochrome())
	assert.False(t, pages[1].Monochrome())
	assert.True(t, pages[2].Monochrome(), "composite gray is mono")
	assert.InDelta(t, 0.1, pages[1].K, 1e-9)
}

func TestParseInvalidNumber(t *testing.T) {
	_, err := Parse(strings.NewReader("0.1 abc 0.1 0.1 CMYK OK\n"))
	assert.Error(t, err)
}

func TestResultColorPages(t *testing.T) {
	pages, err := Parse(strings.NewReader(sampleOutput))
	require.NoError(t, err)

	r := &Result{Pages: pages}
	assert.Equal(t, 3, r.PageCount())
	assert.Equal(t, 1, r.ColorPages())

	r.Monochrome = true
	assert.Equal(t, 0, r.ColorPages())
}

func TestNewResult(t *testing.T) {
	pages, err := Parse(strings.NewReader(sampleOutput))
	require.NoError(t, err)

	assert.Equal(t, 0, NewResult(ModelGray, pages).ColorPages())
	assert.Equal(t, 1, NewResult(ModelCMYK, pages).ColorPages())
	assert.Equal(t, 1, NewResult(ModelUnknown, pages).ColorPages(), "undeclared documents are accounted per page")
}

func TestDetectColorModel(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want ColorModel
	}{
		{"gray first", "%!PS\n<< /ProcessColorModel /DeviceGray >> setpagedevice\n/ProcessColorModel /DeviceCMYK\n", ModelGray},
		{"cmyk first", "%!PS\n<< /ProcessColorModel /DeviceCMYK >> setpagedevice\n/ProcessColorModel /DeviceGray\n", ModelCMYK},
		{"both on one line", "<< /ProcessColorModel /DeviceCMYK /X /ProcessColorModel /DeviceGray >>\n", ModelCMYK},
		{"no marker", "%!PS\n1 0 0 setrgbcolor\nshowpage\n", ModelUnknown},
		{"marker on last line without newline", "%!PS\n/ProcessColorModel /DeviceCMYK", ModelCMYK},
		{"empty", "", ModelUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectColorModel(strings.NewReader(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectColorModelLongLines(t *testing.T) {
	binary := strings.Repeat("\x89", 3*scanChunk+17)

	got, err := DetectColorModel(strings.NewReader(binary + "/ProcessColorModel /DeviceGray"))
	require.NoError(t, err)
	assert.Equal(t, ModelGray, got)

	got, err = DetectColorModel(strings.NewReader(binary))
	require.NoError(t, err)
	assert.Equal(t, ModelUnknown, got)
}

func TestDetectColorModelSplitAcrossReads(t *testing.T) {
	doc := strings.Repeat("x", scanChunk+scanOverlap-10) + "/ProcessColorModel /DeviceCMYK\n"

	got, err := DetectColorModel(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, ModelCMYK, got)

	got, err = DetectColorModel(iotest.OneByteReader(strings.NewReader("%!PS\n/ProcessColorModel /DeviceGray\n")))
	require.NoError(t, err)
	assert.Equal(t, ModelGray, got)
}

func TestDetectColorModelReadError(t *testing.T) {
	_, err := DetectColorModel(iotest.ErrReader(errors.New("io failure")))
	assert.Error(t, err)
}

func TestDetectColorModelFileMissing(t *testing.T) {
	_, err := DetectColorModelFile(filepath.Join(t.TempDir(), "missing.ps"))
	assert.Error(t, err)
}

func TestCoverageToolUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.ps")
	require.NoError(t, os.WriteFile(path, []byte("%!PS\n"), 0o644))

	g := New("printd-no-such-gs-binary", 0)
	_, err := g.Classify(context.Background(), path)
	assert.True(t, errors.Is(err, ErrToolUnavailable))
	assert.ErrorIs(t, g.Available(context.Background()), ErrToolUnavailable)
}
