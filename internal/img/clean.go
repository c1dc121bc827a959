// internal/img/clean.go
package img

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-ocr/internal/apperr"
)

// Cleaner binarizes a page with a local adaptive threshold: a pixel turns
// white when it is brighter than the Gaussian-weighted mean of its
// neighbourhood minus C, black otherwise.
type Cleaner struct {
	// BlockSize is the odd neighbourhood size in pixels.
	BlockSize int
	// C is subtracted from the local mean.
	C float64
}

func NewCleaner() *Cleaner {
	return &Cleaner{BlockSize: 11, C: 2}
}

// Clean decodes data and returns the binarized image. Undecodable input is a
// read error.
func (c *Cleaner) Clean(ctx context.Context, data []byte) (image.Image, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRead, "decode image", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTimeout, "clean", err)
	}
	return c.Binarize(src), nil
}

// Binarize applies the adaptive threshold to an already decoded image.
func (c *Cleaner) Binarize(src image.Image) *image.Gray {
	gray := imaging.Grayscale(src)
	mean := imaging.Blur(gray, gaussianSigma(c.BlockSize))

	b := gray.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := y * gray.Stride
		for x := 0; x < b.Dx(); x++ {
			// grayscale NRGBA keeps the luminance in every colour channel
			v := float64(gray.Pix[row+x*4])
			m := float64(mean.Pix[y*mean.Stride+x*4])
			if v > m-c.C {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// gaussianSigma derives the kernel sigma from the block size the same way
// OpenCV does when none is given.
func gaussianSigma(blockSize int) float64 {
	if blockSize < 3 {
		blockSize = 3
	}
	if blockSize%2 == 0 {
		blockSize++
	}
	return math.Max(0.3*(float64(blockSize-1)*0.5-1)+0.8, 0.5)
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
