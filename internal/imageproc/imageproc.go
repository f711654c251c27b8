// photovault is a single-tenant photo management server.
// Copyright (C) 2026 The photovault Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package imageproc is the Image Processor capability (handlers.ImageProcessor):
// EXIF auto-orientation, fit-inside-box resize that never enlarges, and
// JPEG encode at a clamped quality.
package imageproc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"photovault/internal/handlers"
)

// Processor produces derivative JPEGs with disintegration/imaging.
type Processor struct{}

// New returns a ready Processor.
func New() *Processor {
	return &Processor{}
}

// Process implements handlers.ImageProcessor.
func (p *Processor) Process(ctx context.Context, sourcePath string, specs []handlers.DerivativeSpec) ([]handlers.DerivativeResult, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, handlers.ErrSourceMissing
		}
		return nil, fmt.Errorf("imageproc: stat %s: %w", sourcePath, err)
	}

	src, err := imaging.Open(sourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", handlers.ErrUnsupportedFormat, sourcePath, err)
	}

	results := make([]handlers.DerivativeResult, 0, len(specs))
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, p.renderOne(src, spec))
	}
	return results, nil
}

func (p *Processor) renderOne(src image.Image, spec handlers.DerivativeSpec) handlers.DerivativeResult {
	resized := fitInsideNeverEnlarge(src, spec.MaxDim)
	bounds := resized.Bounds()

	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
		return handlers.DerivativeResult{Kind: spec.Kind, Err: fmt.Errorf("imageproc: ensure output dir: %w", err)}
	}

	quality := spec.Quality
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	out, err := os.Create(spec.OutputPath)
	if err != nil {
		return handlers.DerivativeResult{Kind: spec.Kind, Err: fmt.Errorf("imageproc: create %s: %w", spec.OutputPath, err)}
	}
	defer out.Close()

	if err := jpeg.Encode(out, resized, &jpeg.Options{Quality: quality}); err != nil {
		return handlers.DerivativeResult{Kind: spec.Kind, Err: fmt.Errorf("imageproc: encode %s: %w", spec.OutputPath, err)}
	}

	info, statErr := out.Stat()
	var size int64
	if statErr == nil {
		size = info.Size()
	}

	return handlers.DerivativeResult{
		Kind:   spec.Kind,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Size:   size,
		Format: "jpeg",
	}
}

// fitInsideNeverEnlarge resizes src to fit inside a maxDim x maxDim box,
// preserving aspect ratio, but never upscales a source already smaller
// than the box on both axes.
func fitInsideNeverEnlarge(src image.Image, maxDim int) image.Image {
	bounds := src.Bounds()
	if bounds.Dx() <= maxDim && bounds.Dy() <= maxDim {
		return src
	}
	return imaging.Fit(src, maxDim, maxDim, imaging.Lanczos)
}
