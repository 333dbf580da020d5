package publisher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// maxParallelUploads bounds concurrent media uploads within one publish.
const maxParallelUploads = 4

// SniffMime detects the content type of a media payload from its magic bytes.
// Returns the mime type, the canonical extension, and whether detection
// succeeded.
func SniffMime(data []byte) (string, string, bool) {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg", ".jpg", true
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png", ".png", true
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return "image/gif", ".gif", true
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp", ".webp", true
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")):
		return "video/mp4", ".mp4", true
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "video/webm", ".webm", true
	}
	return "", "", false
}

var extMimes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// ResolveContentType decides the upload content type: magic bytes first, then
// the filename extension, then the caller's declared mime when it is one of
// the supported types. When the sniffed type disagrees with the extension,
// the filename is rewritten to agree. ok=false means the payload should be
// abandoned, not forced.
func ResolveContentType(data []byte, filename, declared string) (mimeType, outName string, ok bool) {
	outName = filename
	if outName == "" {
		outName = "attachment"
	}
	if sniffed, ext, found := SniffMime(data); found {
		cur := strings.ToLower(filepath.Ext(outName))
		if extMimes[cur] != sniffed {
			outName = strings.TrimSuffix(outName, filepath.Ext(outName)) + ext
		}
		return sniffed, outName, true
	}
	if m, found := extMimes[strings.ToLower(filepath.Ext(outName))]; found {
		return m, outName, true
	}
	if declared != "" {
		for _, m := range extMimes {
			if m == declared {
				return declared, outName, true
			}
		}
	}
	return "", outName, false
}

// UploadAll uploads up to maxParallelUploads attachments concurrently. Per-item
// failures are logged and dropped; the returned ids keep the input order with
// failures removed. Never returns an error: a publish with fewer attachments
// beats no publish.
func UploadAll(ctx context.Context, pub Publisher, files []MediaFile, logger *log.Logger) []string {
	if logger == nil {
		logger = log.Default()
	}
	if len(files) == 0 {
		return nil
	}

	ids := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for i := range files {
		i := i
		g.Go(func() error {
			id, err := pub.UploadMedia(gctx, files[i])
			if err != nil {
				logger.Printf("[MediaUpload] failed file=%s err=%v", files[i].Filename, err)
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// createFormFile is multipart.Writer.CreateFormFile with an explicit content
// type instead of the hardcoded application/octet-stream.
func createFormFile(w *multipart.Writer, fieldname, filename, contentType string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fieldname, escapeQuotes(filename)))
	h.Set("Content-Type", contentType)
	return w.CreatePart(h)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
