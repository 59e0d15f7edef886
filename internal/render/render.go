// Package render resizes and colours explanation maps and writes them as
// JPEG files using OpenCV.
package render

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/Brownie44l1/fer-explain/internal/gradcam"
)

// JPEGQuality is the encoder quality used for every written image
const JPEGQuality = 95

// JET colours intensity maps with OpenCV's JET colour map (BGR output)
type JET struct{}

// ColorMap implements gradcam.Colorizer
func (JET) ColorMap(gray []uint8, height, width int) ([]uint8, error) {
	if len(gray) != height*width {
		return nil, fmt.Errorf("intensity map has %d bytes for %dx%d", len(gray), height, width)
	}
	src, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC1, gray)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mat: %w", err)
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.ApplyColorMap(src, &dst, gocv.ColormapJet)
	if dst.Empty() {
		return nil, fmt.Errorf("colour map produced an empty Mat")
	}
	return dst.ToBytes(), nil
}

// Bilinear resizes float maps with OpenCV's linear interpolation, which
// samples at pixel centres and replicates the border
type Bilinear struct{}

// Resize implements gradcam.Resizer
func (Bilinear) Resize(src []float32, srcH, srcW, height, width int) ([]float32, error) {
	if len(src) != srcH*srcW {
		return nil, fmt.Errorf("map has %d values for %dx%d", len(src), srcH, srcW)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid dimensions: %dx%d", width, height)
	}

	in := gocv.NewMatWithSize(srcH, srcW, gocv.MatTypeCV32FC1)
	defer in.Close()
	for y := 0; y < srcH; y++ {
		for x := 0; x < srcW; x++ {
			in.SetFloatAt(y, x, src[y*srcW+x])
		}
	}

	out := gocv.NewMat()
	defer out.Close()
	gocv.Resize(in, &out, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationLinear)
	if out.Rows() != height || out.Cols() != width {
		return nil, fmt.Errorf("resize produced %dx%d, want %dx%d", out.Cols(), out.Rows(), width, height)
	}

	dst := make([]float32, height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dst[y*width+x] = out.GetFloatAt(y, x)
		}
	}
	return dst, nil
}

// toMat copies an image into a new Mat; the caller closes it
func toMat(img *gradcam.Image) (gocv.Mat, error) {
	var mt gocv.MatType
	switch img.Channels {
	case 1:
		mt = gocv.MatTypeCV8UC1
	case 3:
		mt = gocv.MatTypeCV8UC3
	default:
		return gocv.Mat{}, fmt.Errorf("unsupported channel count: %d", img.Channels)
	}
	if len(img.Pix) != img.Height*img.Width*img.Channels {
		return gocv.Mat{}, fmt.Errorf("image has %d bytes for %dx%dx%d", len(img.Pix), img.Height, img.Width, img.Channels)
	}
	return gocv.NewMatFromBytes(img.Height, img.Width, mt, img.Pix)
}

// EncodeJPEG encodes an image as JPEG bytes
func EncodeJPEG(img *gradcam.Image) ([]byte, error) {
	mat, err := toMat(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{int(gocv.IMWriteJpegQuality), JPEGQuality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// WriteJPEG writes an image to path; the format follows the file extension
func WriteJPEG(path string, img *gradcam.Image) error {
	mat, err := toMat(img)
	if err != nil {
		return err
	}
	defer mat.Close()

	if ok := gocv.IMWriteWithParams(path, mat, []int{int(gocv.IMWriteJpegQuality), JPEGQuality}); !ok {
		return fmt.Errorf("failed to write %s", path)
	}
	return nil
}
