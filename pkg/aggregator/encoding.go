package aggregator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding packages the concatenated log text into an artifact.
type Encoding interface {
	// Name is the configuration name of the encoding ("text", "zip", ...).
	Name() string
	// ContentType is the MIME type of the produced artifact.
	ContentType() string
	// Extension is appended to the artifact base name.
	Extension() string
	// Encode writes the packaged form of src to dst. member describes the
	// text entry inside archive encodings. Implementations must release every
	// resource they acquire before returning, including on error.
	Encode(ctx context.Context, dst io.Writer, member Member, src io.Reader) error
}

// Member names the log text inside an archive and carries the export time,
// taken from the aggregator's clock.
type Member struct {
	Name     string
	Modified time.Time
}

// EncodingNames lists the names ParseEncoding accepts.
var EncodingNames = []string{"text", "zip", "zstd", "lz4"}

// ParseEncoding returns the encoding registered under name.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "", "text":
		return TextEncoding{}, nil
	case "zip":
		return ZipEncoding{}, nil
	case "zstd":
		return ZstdEncoding{}, nil
	case "lz4":
		return LZ4Encoding{}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q (available: text, zip, zstd, lz4)", name)
	}
}

// TextEncoding writes the log text as-is.
type TextEncoding struct{}

func (TextEncoding) Name() string        { return "text" }
func (TextEncoding) ContentType() string { return "text/plain; charset=utf-8" }
func (TextEncoding) Extension() string   { return ".txt" }

func (TextEncoding) Encode(_ context.Context, dst io.Writer, _ Member, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

// ZipEncoding writes a zip archive holding a single deflated text member.
type ZipEncoding struct{}

func (ZipEncoding) Name() string        { return "zip" }
func (ZipEncoding) ContentType() string { return "application/zip" }
func (ZipEncoding) Extension() string   { return ".zip" }

func (ZipEncoding) Encode(_ context.Context, dst io.Writer, member Member, src io.Reader) error {
	zw := zip.NewWriter(dst)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     member.Name,
		Method:   zip.Deflate,
		Modified: member.Modified,
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("create zip member: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		zw.Close()
		return fmt.Errorf("write zip member: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish zip: %w", err)
	}
	return nil
}

// ZstdEncoding writes a zstd frame of the log text.
type ZstdEncoding struct{}

func (ZstdEncoding) Name() string        { return "zstd" }
func (ZstdEncoding) ContentType() string { return "application/zstd" }
func (ZstdEncoding) Extension() string   { return ".txt.zst" }

func (ZstdEncoding) Encode(_ context.Context, dst io.Writer, _ Member, src io.Reader) error {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return fmt.Errorf("zstd write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("zstd close: %w", err)
	}
	return nil
}

// LZ4Encoding writes an LZ4 frame of the log text.
type LZ4Encoding struct{}

func (LZ4Encoding) Name() string        { return "lz4" }
func (LZ4Encoding) ContentType() string { return "application/x-lz4" }
func (LZ4Encoding) Extension() string   { return ".txt.lz4" }

func (LZ4Encoding) Encode(_ context.Context, dst io.Writer, _ Member, src io.Reader) error {
	zw := lz4.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return fmt.Errorf("lz4 write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("lz4 close: %w", err)
	}
	return nil
}

// entryReader streams the text of a snapshot without joining it first.
type entryReader struct {
	ctx     context.Context
	entries []Entry
	off     int
}

func (r *entryReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) && len(r.entries) > 0 {
		c := copy(p[n:], r.entries[0].Text[r.off:])
		n += c
		r.off += c
		if r.off == len(r.entries[0].Text) {
			r.entries = r.entries[1:]
			r.off = 0
		}
	}
	if n == 0 && len(r.entries) == 0 {
		return 0, io.EOF
	}
	return n, nil
}
