package client

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// OutputMarkers are the filename substrings that mark an image as a deliverable
var OutputMarkers = []string{"final_output", "upscaled", "output"}

const fetchConcurrency = 4

// HasOutputMarker reports whether filename contains one of OutputMarkers
func HasOutputMarker(filename string) bool {
	for _, m := range OutputMarkers {
		if strings.Contains(filename, m) {
			return true
		}
	}
	return false
}

// Artifact is a collected output image
type Artifact struct {
	NodeID string
	DataOutput
	Data   []byte
	Image  image.Image
	Format string
}

// CollectArtifacts fetches the images a completed job declared in its history.
// Images whose filename carries an output marker are returned in declaration
// order; when none does, only the first decodable image is returned.  Images
// that fail to download or decode are skipped.
func (c *ComfyClient) CollectArtifacts(ctx context.Context, promptID string) ([]Artifact, error) {
	history, err := c.GetHistory(ctx, promptID)
	if err != nil {
		return nil, err
	}
	declared := history.Images()
	log := c.log.WithFields(logrus.Fields{"prompt_id": promptID, "declared": len(declared)})

	fetched := make([]*Artifact, len(declared))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, img := range declared {
		i, img := i, img
		g.Go(func() error {
			data, err := c.GetImage(gctx, img.DataOutput)
			if err != nil {
				c.metrics.RecordArtifact("fetch_failed")
				log.WithError(err).WithField("filename", img.Filename).Warn("skipping image")
				return nil
			}
			decoded, format, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				c.metrics.RecordArtifact("decode_failed")
				log.WithError(err).WithField("filename", img.Filename).Warn("skipping undecodable image")
				return nil
			}
			fetched[i] = &Artifact{
				NodeID:     img.NodeID,
				DataOutput: img.DataOutput,
				Data:       data,
				Image:      decoded,
				Format:     format,
			}
			return nil
		})
	}
	// fetch goroutines never return an error
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	selected := selectArtifacts(fetched)
	decodable := 0
	for _, a := range fetched {
		if a != nil {
			decodable++
		}
	}
	for i := 0; i < decodable; i++ {
		if i < len(selected) {
			c.metrics.RecordArtifact("selected")
		} else {
			c.metrics.RecordArtifact("ignored")
		}
	}
	log.WithField("selected", len(selected)).Debug("artifacts collected")
	return selected, nil
}

func selectArtifacts(fetched []*Artifact) []Artifact {
	retv := make([]Artifact, 0)
	for _, a := range fetched {
		if a != nil && HasOutputMarker(a.Filename) {
			retv = append(retv, *a)
		}
	}
	if len(retv) > 0 {
		return retv
	}
	for _, a := range fetched {
		if a != nil {
			return append(retv, *a)
		}
	}
	return retv
}
