package cli

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/comfygen/comfygen/workflow"
)

// spinner shows the latest job status on a single terminal line
type spinner struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newSpinner(w io.Writer) *spinner {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription("🔌 Connecting..."),
	)
	return &spinner{bar: bar}
}

// Sink returns the status sink that updates the spinner
func (s *spinner) Sink() workflow.StatusSink {
	return func(ctx context.Context, status string) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.bar.Describe(status)
		return s.bar.Add(1)
	}
}

func (s *spinner) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Finish()
}

// saveImages writes each image as a PNG under dir and returns the paths
func saveImages(dir, prefix string, imgs ...image.Image) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	batch := uuid.NewString()[:8]
	paths := make([]string, 0, len(imgs))
	for i, img := range imgs {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s_%02d.png", prefix, batch, i+1))
		if err := writePNG(path, img); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// loadImage decodes the source image of an image-to-image command
func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}
