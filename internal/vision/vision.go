// Package vision holds the pixel operations shared by the recognition loop
// and enrollment: decoding, grayscale crops, face resizing and overlays.
package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	"image/jpeg"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay colours.
var (
	Green  = color.RGBA{0, 255, 0, 255}
	Red    = color.RGBA{255, 0, 0, 255}
	Orange = color.RGBA{255, 165, 0, 255}
	White  = color.RGBA{255, 255, 255, 255}
)

// Area averages every source pixel covered by a destination pixel.
// x/image/draw widens a kernel's support by the scale factor when
// shrinking, so a unit box kernel becomes a true area filter.
var Area = &draw.Kernel{
	Support: 0.5,
	At: func(t float64) float64 {
		if t < 0.5 {
			return 1
		}
		return 0
	},
}

// DecodeJPEG decodes a JPEG into a mutable RGBA image.
func DecodeJPEG(data []byte) (*image.RGBA, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	return ToRGBA(img), nil
}

// ToRGBA returns img as *image.RGBA, copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	stddraw.Draw(rgba, rgba.Rect, img, b.Min, stddraw.Src)
	return rgba
}

// EncodeJPEG encodes img with the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// GrayCrop extracts r from img as grayscale. r is clipped to the image bounds.
func GrayCrop(img image.Image, r image.Rectangle) (*image.Gray, error) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("crop %v is outside the frame %v", r, img.Bounds())
	}
	gray := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	stddraw.Draw(gray, gray.Rect, img, r.Min, stddraw.Src)
	return gray, nil
}

// Interpolator picks area averaging when shrinking in either dimension and
// cubic interpolation when enlarging.
func Interpolator(src image.Rectangle, size int) draw.Interpolator {
	if src.Dx() > size || src.Dy() > size {
		return Area
	}
	return draw.CatmullRom
}

// ResizeFace scales a face crop to a size x size square.
func ResizeFace(face *image.Gray, size int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, size, size))
	Interpolator(face.Bounds(), size).Scale(dst, dst.Rect, face, face.Bounds(), draw.Src, nil)
	return dst
}

// SaveGrayJPEG writes a grayscale face sample to path.
func SaveGrayJPEG(path string, img *image.Gray) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 95}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DrawBox strokes a rectangle outline of the given thickness.
func DrawBox(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	r = r.Intersect(img.Rect)
	if r.Empty() {
		return
	}
	u := image.NewUniform(c)
	for i := 0; i < thickness; i++ {
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1),
			image.Rect(r.Min.X, r.Max.Y-i-1, r.Max.X, r.Max.Y-i),
			image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y),
			image.Rect(r.Max.X-i-1, r.Min.Y, r.Max.X-i, r.Max.Y),
		}
		for _, e := range edges {
			stddraw.Draw(img, e.Intersect(r), u, image.Point{}, stddraw.Src)
		}
	}
}

// DrawLabel writes text with its baseline at (x, y) on a filled background.
func DrawLabel(img *image.RGBA, x, y int, text string, bg color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(White), Face: face}
	width := d.MeasureString(text).Ceil()
	if y-face.Ascent < 0 {
		y = face.Ascent
	}
	box := image.Rect(x, y-face.Ascent-2, x+width+4, y+face.Descent+2)
	stddraw.Draw(img, box.Intersect(img.Rect), image.NewUniform(bg), image.Point{}, stddraw.Src)
	d.Dot = fixed.P(x+2, y)
	d.DrawString(text)
}
