package publisher

import (
	"context"
	"fmt"
	"log"
	"testing"
)

func TestSniffMime(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		mime string
		ext  string
		ok   bool
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg", ".jpg", true},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}, "image/png", ".png", true},
		{"gif87a", []byte("GIF87a trailer"), "image/gif", ".gif", true},
		{"gif89a", []byte("GIF89a trailer"), "image/gif", ".gif", true},
		{"webp", append([]byte("RIFF"), append([]byte{0, 0, 0, 0}, []byte("WEBP")...)...), "image/webp", ".webp", true},
		{"mp4", append([]byte{0, 0, 0, 0x18}, []byte("ftypisom")...), "video/mp4", ".mp4", true},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x00}, "video/webm", ".webm", true},
		{"unknown", []byte{0x00, 0x01, 0x02, 0x03}, "", "", false},
		{"short", []byte{0xFF}, "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mime, ext, ok := SniffMime(tc.data)
			if mime != tc.mime || ext != tc.ext || ok != tc.ok {
				t.Fatalf("SniffMime = (%q, %q, %v), want (%q, %q, %v)", mime, ext, ok, tc.mime, tc.ext, tc.ok)
			}
		})
	}
}

func TestResolveContentType(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}

	// Sniffed type wins and rewrites a lying extension.
	mime, name, ok := ResolveContentType(png, "photo.jpg", "image/jpeg")
	if !ok || mime != "image/png" || name != "photo.png" {
		t.Fatalf("lying extension: (%q, %q, %v)", mime, name, ok)
	}

	// Extension already agrees; filename untouched.
	mime, name, ok = ResolveContentType(png, "photo.png", "")
	if !ok || mime != "image/png" || name != "photo.png" {
		t.Fatalf("agreeing extension: (%q, %q, %v)", mime, name, ok)
	}

	// Unsniffable payload falls back to the extension.
	mime, name, ok = ResolveContentType([]byte{0, 1, 2}, "clip.mp4", "")
	if !ok || mime != "video/mp4" || name != "clip.mp4" {
		t.Fatalf("extension fallback: (%q, %q, %v)", mime, name, ok)
	}

	// Then to the declared type, but only when it is a supported one.
	mime, _, ok = ResolveContentType([]byte{0, 1, 2}, "blob", "image/gif")
	if !ok || mime != "image/gif" {
		t.Fatalf("declared fallback: (%q, %v)", mime, ok)
	}

	// A declared type outside the supported set is abandoned, not forced.
	_, _, ok = ResolveContentType([]byte{0, 1, 2}, "blob", "image/heic")
	if ok {
		t.Fatalf("unsupported declared type must be abandoned")
	}

	// Nothing known: abandon.
	_, _, ok = ResolveContentType([]byte{0, 1, 2}, "blob", "")
	if ok {
		t.Fatalf("expected ok=false for undetectable payload")
	}

	// Empty filename gets a placeholder plus the sniffed extension.
	_, name, ok = ResolveContentType(png, "", "")
	if !ok || name != "attachment.png" {
		t.Fatalf("empty filename: (%q, %v)", name, ok)
	}
}

// uploadFunc adapts a function to the Publisher interface for UploadAll tests.
type uploadFunc func(ctx context.Context, f MediaFile) (string, error)

func (fn uploadFunc) Publish(context.Context, StatusParams) (*Status, error) { return nil, nil }
func (fn uploadFunc) Update(context.Context, string, string, []string) (*Status, error) {
	return nil, nil
}
func (fn uploadFunc) Delete(context.Context, string) error { return nil }
func (fn uploadFunc) UploadMedia(ctx context.Context, f MediaFile) (string, error) {
	return fn(ctx, f)
}

func TestUploadAllPreservesOrder(t *testing.T) {
	files := []MediaFile{
		{Filename: "a.png"},
		{Filename: "b.png"},
		{Filename: "c.png"},
	}
	pub := uploadFunc(func(_ context.Context, f MediaFile) (string, error) {
		return "id-" + f.Filename, nil
	})
	ids := UploadAll(context.Background(), pub, files, log.Default())
	if len(ids) != 3 || ids[0] != "id-a.png" || ids[1] != "id-b.png" || ids[2] != "id-c.png" {
		t.Fatalf("order not preserved: %v", ids)
	}
}

func TestUploadAllDropsFailures(t *testing.T) {
	files := []MediaFile{
		{Filename: "a.png"},
		{Filename: "broken.png"},
		{Filename: "c.png"},
	}
	pub := uploadFunc(func(_ context.Context, f MediaFile) (string, error) {
		if f.Filename == "broken.png" {
			return "", fmt.Errorf("boom")
		}
		return "id-" + f.Filename, nil
	})
	ids := UploadAll(context.Background(), pub, files, log.Default())
	if len(ids) != 2 || ids[0] != "id-a.png" || ids[1] != "id-c.png" {
		t.Fatalf("failure not dropped cleanly: %v", ids)
	}
}

func TestUploadAllEmpty(t *testing.T) {
	pub := uploadFunc(func(_ context.Context, f MediaFile) (string, error) {
		t.Fatalf("must not be called")
		return "", nil
	})
	if ids := UploadAll(context.Background(), pub, nil, nil); ids != nil {
		t.Fatalf("expected nil for empty input, got %v", ids)
	}
}
