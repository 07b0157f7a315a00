package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

// UploadOptions are the optional form fields of an upload
type UploadOptions struct {
	Subfolder string
	Type      ImageType
	Overwrite bool
}

// UploadFileFromReader pushes r to the backend asset store and returns the name
// the backend chose for it, which may differ from filename.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, opts UploadOptions) (string, error) {
	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(formFile, r); err != nil {
		return "", err
	}

	_ = writer.WriteField("overwrite", strconv.FormatBool(opts.Overwrite))
	if opts.Type != "" {
		_ = writer.WriteField("type", string(opts.Type))
	}
	if opts.Subfolder != "" {
		_ = writer.WriteField("subfolder", opts.Subfolder)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/image", nil), &requestBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpclient.Do(req)
	if err != nil {
		c.metrics.RecordUpload("error")
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.RecordUpload("rejected")
		return "", fmt.Errorf("%w: %s", ErrUploadRejected, resp.Status)
	}

	var data struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil || data.Name == "" {
		c.metrics.RecordUpload("rejected")
		return "", fmt.Errorf("%w: response without name", ErrUploadRejected)
	}

	c.metrics.RecordUpload("ok")
	c.log.WithFields(logrus.Fields{
		"requested": filename,
		"name":      data.Name,
		"subfolder": data.Subfolder,
	}).Debug("image uploaded")
	return data.Name, nil
}

// UploadImage PNG-encodes img and uploads it
func (c *ComfyClient) UploadImage(ctx context.Context, img image.Image, filename string, opts UploadOptions) (string, error) {
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		return "", err
	}
	return c.UploadFileFromReader(ctx, &buffer, filepath.Base(filename), opts)
}
