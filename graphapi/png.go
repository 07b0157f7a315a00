package graphapi

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// maxTextChunk bounds the size of a tEXt chunk we are willing to buffer
const maxTextChunk = 64 << 20

// ErrNotPNG is returned when the stream does not start with the PNG signature
var ErrNotPNG = errors.New("not a PNG stream")

// GetPngMetadata returns the keyword -> text pairs of every tEXt chunk in a PNG
// stream.  Reading stops at IEND; chunks other than tEXt are skipped unread.
func GetPngMetadata(r io.Reader) (map[string]string, error) {
	br := bufio.NewReader(r)

	sig := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(br, sig); err != nil || !bytes.Equal(sig, pngSignature) {
		return nil, ErrNotPNG
	}

	text := make(map[string]string)
	var head [8]byte
	for {
		if _, err := io.ReadFull(br, head[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return text, nil
			}
			return nil, fmt.Errorf("png chunk header: %w", err)
		}
		size := binary.BigEndian.Uint32(head[:4])
		kind := string(head[4:])

		switch kind {
		case "IEND":
			return text, nil
		case "tEXt":
			if size > maxTextChunk {
				return nil, fmt.Errorf("png tEXt chunk of %d bytes", size)
			}
			body := make([]byte, size+4)
			if _, err := io.ReadFull(br, body); err != nil {
				return nil, fmt.Errorf("png tEXt chunk: %w", err)
			}
			data, sum := body[:size], binary.BigEndian.Uint32(body[size:])
			if crc32.Update(crc32.ChecksumIEEE(head[4:]), crc32.IEEETable, data) != sum {
				return nil, errors.New("png tEXt chunk checksum mismatch")
			}
			keyword, value, ok := bytes.Cut(data, []byte{0})
			if !ok {
				return nil, errors.New("png tEXt chunk without keyword separator")
			}
			text[string(keyword)] = string(value)
		default:
			if _, err := br.Discard(int(size) + 4); err != nil {
				return nil, fmt.Errorf("png %s chunk: %w", kind, err)
			}
		}
	}
}
