// Package chunk stores content-addressed, gzip-compressed snapshot
// pages and implements the json-row-frame-v1 body format.
package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Body format identifiers.
const (
	EncodingJSONRowFrameV1 = "json-row-frame-v1"
	CompressionGzip        = "gzip"
)

// maxFrameLen bounds a single row frame; anything larger is a corrupt
// or hostile body.
const maxFrameLen = 64 << 20

// EncodeFrames serializes rows as length-prefixed JSON frames inside a
// single gzip member and returns the compressed body with its SHA-256.
func EncodeFrames(rows []map[string]any) (body []byte, sha string, err error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)

	var lenPrefix [4]byte
	for i, row := range rows {
		rowBytes, err := json.Marshal(row)
		if err != nil {
			return nil, "", fmt.Errorf("chunk: marshal row %d: %w", i, err)
		}
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(rowBytes)))
		if _, err := zw.Write(lenPrefix[:]); err != nil {
			return nil, "", fmt.Errorf("chunk: write frame: %w", err)
		}
		if _, err := zw.Write(rowBytes); err != nil {
			return nil, "", fmt.Errorf("chunk: write frame: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("chunk: close gzip: %w", err)
	}

	body = buf.Bytes()
	sum := sha256.Sum256(body)
	return body, hex.EncodeToString(sum[:]), nil
}

// DecodeFrames decompresses a json-row-frame-v1 body back into rows.
func DecodeFrames(body []byte) ([]map[string]any, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chunk: open gzip: %w", err)
	}
	defer zr.Close()

	var rows []map[string]any
	var lenPrefix [4]byte
	for {
		if _, err := io.ReadFull(zr, lenPrefix[:]); err != nil {
			if err == io.EOF {
				return rows, nil
			}
			return nil, fmt.Errorf("chunk: read frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		if n > maxFrameLen {
			return nil, fmt.Errorf("chunk: frame length %d exceeds limit", n)
		}
		rowBytes := make([]byte, n)
		if _, err := io.ReadFull(zr, rowBytes); err != nil {
			return nil, fmt.Errorf("chunk: read frame body: %w", err)
		}
		var row map[string]any
		if err := json.Unmarshal(rowBytes, &row); err != nil {
			return nil, fmt.Errorf("chunk: decode frame: %w", err)
		}
		rows = append(rows, row)
	}
}

// SHA256Hex returns the hex SHA-256 of a body.
func SHA256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
