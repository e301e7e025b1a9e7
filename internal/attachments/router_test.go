package attachments

import (
	"testing"

	"github.com/relaykit/core/pkg/models"
)

func merge(native, fallback []models.ChatAttachment) []models.ChatAttachment {
	out := make([]models.ChatAttachment, 0, len(native)+len(fallback))
	out = append(out, native...)
	out = append(out, fallback...)
	return out
}

func TestRouteOrderPreservation(t *testing.T) {
	atts := []models.ChatAttachment{
		{Type: models.AttachmentImage, Base64: "a"},
		{Type: models.AttachmentFile, Path: "/tmp/1"},
		{Type: models.AttachmentImage, Base64: "b"},
		{Type: models.AttachmentAudio, Path: "/tmp/2"},
	}
	native, fallback := Route([]string{"image"}, atts)

	if len(native) != 2 || native[0].Base64 != "a" || native[1].Base64 != "b" {
		t.Fatalf("unexpected native group: %+v", native)
	}
	if len(fallback) != 2 || fallback[0].Path != "/tmp/1" || fallback[1].Path != "/tmp/2" {
		t.Fatalf("unexpected fallback group: %+v", fallback)
	}
}

func TestFinalizePathRewrittenToFile(t *testing.T) {
	_, fallback := Route([]string{"image"}, []models.ChatAttachment{
		{Type: models.AttachmentAudio, Path: "/tmp/clip.wav"},
	})
	_, finalFallback := Finalize([]string{"image"}, nil, fallback)
	if len(finalFallback) != 1 || finalFallback[0].Type != models.AttachmentFile {
		t.Fatalf("expected path fallback rewritten to file, got %+v", finalFallback)
	}
}

func TestFinalizeDropsBase64OnlyWithoutFileModality(t *testing.T) {
	// Scenario S4: image to a text-only model.
	native, fallback := Route([]string{"text"}, []models.ChatAttachment{
		{Type: models.AttachmentImage, Base64: "only-inline"},
	})
	finalNative, finalFallback := Finalize([]string{"text"}, native, fallback)
	if len(finalNative) != 0 || len(finalFallback) != 0 {
		t.Fatalf("expected attachment dropped entirely, got native=%+v fallback=%+v", finalNative, finalFallback)
	}
}

func TestFinalizePromotesBase64OnlyWhenFileModalitySupported(t *testing.T) {
	native, fallback := Route([]string{"text", "file"}, []models.ChatAttachment{
		{Type: models.AttachmentImage, Base64: "only-inline"},
	})
	finalNative, finalFallback := Finalize([]string{"text", "file"}, native, fallback)
	if len(finalFallback) != 0 {
		t.Fatalf("expected no fallback remaining, got %+v", finalFallback)
	}
	if len(finalNative) != 1 || finalNative[0].Type != models.AttachmentFile || finalNative[0].Base64 != "only-inline" {
		t.Fatalf("expected base64 attachment promoted to native file, got %+v", finalNative)
	}
}

func TestFinalizeDropsBareURLFallback(t *testing.T) {
	native, fallback := Route([]string{"image"}, []models.ChatAttachment{
		{Type: models.AttachmentVideo, URL: "https://example.com/clip.mp4"},
	})
	finalNative, finalFallback := Finalize([]string{"image"}, native, fallback)
	if len(merge(finalNative, finalFallback)) != 0 {
		t.Fatalf("expected bare URL fallback with no capability match dropped, got native=%+v fallback=%+v", finalNative, finalFallback)
	}
}

func TestRouteUnknownTypeIsFallback(t *testing.T) {
	native, fallback := Route([]string{"image", "audio", "video", "file"}, []models.ChatAttachment{
		{Type: "sticker", Path: "/tmp/s.webp"},
	})
	if len(native) != 0 || len(fallback) != 1 {
		t.Fatalf("expected unknown type routed to fallback, got native=%+v fallback=%+v", native, fallback)
	}
}
