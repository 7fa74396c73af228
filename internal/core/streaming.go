package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// payloadReader returns the decoded body of r. aws-chunked bodies, announced
// by a STREAMING-* x-amz-content-sha256, are decoded on the fly; other
// bodies are returned as is. The caller must close the returned reader.
func payloadReader(r *http.Request) io.ReadCloser {
	if !strings.HasPrefix(r.Header.Get("x-amz-content-sha256"), "STREAMING-") {
		return r.Body
	}

	decodedLen := int64(-1)
	if v := r.Header.Get("x-amz-decoded-content-length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			decodedLen = n
		}
	}

	pr, pw := io.Pipe()
	go func() {
		written, err := decodeStreamingPayload(pw, r.Body)
		if err == nil && decodedLen >= 0 && written != decodedLen {
			err = fmt.Errorf("decoded %d bytes, expected %d", written, decodedLen)
		}
		_ = pw.CloseWithError(err)
	}()

	return pr
}

// decodeStreamingPayload decodes an AWS Signature Version 4 streaming
// (aws-chunked) payload from body into w and returns the number of decoded
// bytes. Chunk signatures are not verified. Decoding stops at the final
// zero-size chunk, so trailing headers are ignored.
func decodeStreamingPayload(w io.Writer, body io.Reader) (int64, error) {
	br := bufio.NewReader(body)

	var written int64
	buf := make([]byte, 32*1024)

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, errors.New("unexpected EOF while reading chunk header")
			}
			return written, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return written, fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}
		if size < 0 {
			return written, fmt.Errorf("negative chunk size %q", sizeHex)
		}

		if size == 0 {
			return written, nil
		}

		remaining := size
		for remaining > 0 {
			toRead := min(remaining, int64(len(buf)))
			n, err := io.ReadFull(br, buf[:toRead])
			if err != nil {
				return written, fmt.Errorf("read chunk body: %w", err)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			remaining -= int64(n)
		}

		// Consume the trailing CRLF after the chunk body.
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil {
			return written, fmt.Errorf("read chunk terminator: %w", err)
		}
		if crlf[0] != '\r' || crlf[1] != '\n' {
			return written, fmt.Errorf("expected CRLF after chunk, got %q", crlf)
		}
	}
}
