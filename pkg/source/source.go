// Package source provides mask producers for the publisher: a directory of
// mask images and a synthetic lane pattern.
package source

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	"github.com/sirupsen/logrus"

	"github.com/srediag/mask-shm/internal/logger"
	"github.com/srediag/mask-shm/pkg/mailbox"
)

// Threshold is the gray level at or above which a resized pixel is set to 255.
const Threshold = 128

// Binarize converts img to a W*H row-major mask of 0 and 255 bytes,
// resizing it first when its bounds differ from the layout.
func Binarize(img image.Image, layout mailbox.Layout) []byte {
	b := img.Bounds()
	if b.Dx() != layout.Width || b.Dy() != layout.Height {
		img = resize.Resize(uint(layout.Width), uint(layout.Height), img, resize.Bilinear)
		b = img.Bounds()
	}
	mask := make([]byte, layout.PayloadSize())
	for y := 0; y < layout.Height; y++ {
		row := mask[y*layout.Width : (y+1)*layout.Width]
		for x := range row {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			if g.Y >= Threshold {
				row[x] = 0xff
			}
		}
	}
	return mask
}

// DirSource yields masks decoded from the PNG and JPEG files of a directory
// in lexical order.
type DirSource struct {
	layout mailbox.Layout
	files  []string
	next   int
	loop   bool
}

// NewDirSource lists dir once. With loop the files repeat forever, otherwise
// NextMask returns io.EOF after the last one.
func NewDirSource(dir string, layout mailbox.Layout, loop bool) (*DirSource, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("source: no png or jpeg masks in %s", dir)
	}
	return &DirSource{layout: layout, files: files, loop: loop}, nil
}

// Len is the number of files found.
func (d *DirSource) Len() int { return len(d.files) }

// NextMask decodes the next file.
func (d *DirSource) NextMask(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.next >= len(d.files) {
		if !d.loop {
			return nil, io.EOF
		}
		d.next = 0
	}
	path := d.files[d.next]
	d.next++

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("source: decode %s: %w", path, err)
	}
	b := img.Bounds()
	logger.Entry(ctx).WithFields(logrus.Fields{
		"file":    filepath.Base(path),
		"resized": b.Dx() != d.layout.Width || b.Dy() != d.layout.Height,
	}).Debug("mask loaded")
	return Binarize(img, d.layout), nil
}

// PatternSource draws a vertical lane band that sweeps across the frame,
// one column per mask. It never ends.
type PatternSource struct {
	layout mailbox.Layout
	band   int
	frame  int
}

// NewPatternSource returns a band a quarter of the width wide.
func NewPatternSource(layout mailbox.Layout) (*PatternSource, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	band := layout.Width / 4
	if band == 0 {
		band = 1
	}
	return &PatternSource{layout: layout, band: band}, nil
}

// NextMask returns the next frame of the sweep.
func (p *PatternSource) NextMask(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := p.layout.Width
	start := p.frame % w
	p.frame++
	mask := make([]byte, p.layout.PayloadSize())
	for y := 0; y < p.layout.Height; y++ {
		row := mask[y*w : (y+1)*w]
		for i := 0; i < p.band; i++ {
			row[(start+i)%w] = 0xff
		}
	}
	return mask, nil
}
