// Package frame loads video frames as normalised grayscale grids.
package frame

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp" // register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register TIFF decoder (UCSD Ped frames)
	"gonum.org/v1/gonum/mat"
)

// MaxIntensity is the scale applied before scoring.
const MaxIntensity = 255.0

// ErrEmptyDir is returned by LoadDir when no image files are found.
var ErrEmptyDir = errors.New("no image files in directory")

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true, ".bmp": true,
}

// Frame is one grayscale sample with values in [0,1].
// Treat Data as read-only once the frame is built.
type Frame struct {
	Index int
	Data  *mat.Dense
}

// New wraps data as a frame. Values are expected in [0,1].
func New(index int, data *mat.Dense) *Frame {
	return &Frame{Index: index, Data: data}
}

// Dims returns height and width.
func (f *Frame) Dims() (rows, cols int) { return f.Data.Dims() }

// Scaled returns a copy of the frame rescaled to [0,255].
func (f *Frame) Scaled() *mat.Dense {
	var out mat.Dense
	out.Scale(MaxIntensity, f.Data)
	return &out
}

// Decode reads an image and converts it to a normalised grayscale frame of
// width x height. A zero width or height keeps the source size.
func Decode(r io.Reader, width, height int) (*Frame, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return FromImage(src, width, height), nil
}

// FromImage converts any image to a normalised grayscale frame, resizing
// with Catmull-Rom when width and height are both set.
func FromImage(src image.Image, width, height int) *Frame {
	b := src.Bounds()
	if width <= 0 || height <= 0 {
		width, height = b.Dx(), b.Dy()
	}

	var img image.Image = src
	if width != b.Dx() || height != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Rect, src, b, draw.Over, nil)
		img = dst
	}

	data := mat.NewDense(height, width, nil)
	ib := img.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := img.At(ib.Min.X+x, ib.Min.Y+y).RGBA()
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
			data.Set(y, x, min(luma/MaxIntensity, 1))
		}
	}
	return &Frame{Data: data}
}

// Load decodes the image file at path.
func Load(path string, width, height int) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fr, err := Decode(f, width, height)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fr, nil
}

// ListDir returns the image files of dir in lexical order.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrEmptyDir)
	}
	return paths, nil
}

// LoadDir loads every image in dir, indexing frames in lexical file order.
func LoadDir(dir string, width, height int) ([]*Frame, error) {
	paths, err := ListDir(dir)
	if err != nil {
		return nil, err
	}
	frames := make([]*Frame, 0, len(paths))
	for i, p := range paths {
		f, err := Load(p, width, height)
		if err != nil {
			return nil, err
		}
		f.Index = i
		frames = append(frames, f)
	}
	return frames, nil
}

// ToGray renders a [0,1] grid as an 8-bit grayscale image. Values outside
// the range are clamped.
func ToGray(data mat.Matrix) *image.Gray {
	r, c := data.Dims()
	img := image.NewGray(image.Rect(0, 0, c, r))
	for y := 0; y < r; y++ {
		for x := 0; x < c; x++ {
			v := data.At(y, x)
			switch {
			case v < 0:
				v = 0
			case v > 1:
				v = 1
			}
			img.Pix[y*img.Stride+x] = uint8(v*MaxIntensity + 0.5)
		}
	}
	return img
}
