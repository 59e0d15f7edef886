package render

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/fer-explain/internal/gradcam"
)

func TestJETRunsFromBlueToRed(t *testing.T) {
	colored, err := JET{}.ColorMap([]uint8{0, 255}, 1, 2)
	require.NoError(t, err)
	require.Len(t, colored, 6)

	// BGR: low intensities are blue, high ones red
	assert.Greater(t, colored[0], colored[2])
	assert.Greater(t, colored[5], colored[3])

	_, err = JET{}.ColorMap([]uint8{1, 2, 3}, 2, 2)
	assert.Error(t, err)
}

func TestBilinearInterpolatesAtPixelCentres(t *testing.T) {
	src := []float32{0, 1, 2, 3}
	out, err := Bilinear{}.Resize(src, 2, 2, 4, 4)
	require.NoError(t, err)
	require.Len(t, out, 16)

	assert.InDeltaSlice(t, []float32{0, 0.25, 0.75, 1}, out[0:4], 1e-5)
	assert.InDeltaSlice(t, []float32{2, 2.25, 2.75, 3}, out[12:16], 1e-5)
	assert.InDelta(t, 0.5, out[4], 1e-5)

	same, err := Bilinear{}.Resize(src, 2, 2, 2, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, src, same, 1e-6)

	_, err = Bilinear{}.Resize(src[:3], 2, 2, 4, 4)
	assert.Error(t, err)
	_, err = Bilinear{}.Resize(src, 2, 2, 0, 4)
	assert.Error(t, err)
}

func TestEncodeAndWriteJPEG(t *testing.T) {
	img := &gradcam.Image{Height: 8, Width: 8, Channels: 3, Pix: make([]uint8, 8*8*3)}
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}

	data, err := EncodeJPEG(img)
	require.NoError(t, err)
	require.Greater(t, len(data), 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	path := filepath.Join(t.TempDir(), "gradcam.jpg")
	require.NoError(t, WriteJPEG(path, img))
	assert.FileExists(t, path)

	gray := &gradcam.Image{Height: 4, Width: 4, Channels: 1, Pix: make([]uint8, 16)}
	require.NoError(t, WriteJPEG(filepath.Join(t.TempDir(), "guided.jpg"), gray))

	_, err = EncodeJPEG(&gradcam.Image{Height: 2, Width: 2, Channels: 4, Pix: make([]uint8, 16)})
	assert.ErrorContains(t, err, "unsupported channel count")
}
