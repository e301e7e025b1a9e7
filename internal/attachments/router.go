// Package attachments implements the attachment capability router (C2):
// classifying a ChatRequest's attachments against a model's declared input
// modalities before C4 builds the gateway payload. See spec.md §4.2.
package attachments

import "github.com/relaykit/core/pkg/models"

// modalityForType maps an attachment Type to the capability modality it
// requires of the model, per spec.md §3's
// InputModalities ⊆ {text, image, audio, video, file}.
func modalityForType(t models.AttachmentType) (string, bool) {
	switch t {
	case models.AttachmentImage:
		return "image", true
	case models.AttachmentAudio:
		return "audio", true
	case models.AttachmentVideo:
		return "video", true
	case models.AttachmentFile:
		return "file", true
	default:
		return "", false
	}
}

// Route classifies attachments against modalities: an attachment whose Type
// maps to a modality present in modalities is native; everything else,
// including attachments of an unrecognized Type, is fallback.
//
// Route only performs classification. Call Finalize on the fallback group to
// apply the post-processing rules spec.md §4.2 describes (path rewriting,
// dropping base64-only attachments the model cannot ingest natively).
func Route(modalities []string, atts []models.ChatAttachment) (native, fallback []models.ChatAttachment) {
	supported := make(map[string]bool, len(modalities))
	for _, m := range modalities {
		supported[m] = true
	}

	for _, a := range atts {
		modality, known := modalityForType(a.Type)
		if known && supported[modality] {
			native = append(native, a)
			continue
		}
		fallback = append(fallback, a)
	}
	return native, fallback
}

// Finalize applies spec.md §4.2's fallback post-processing to a Route
// result and returns the final native/fallback groups, ready to merge as
// native ⊕ fallback (spec.md §8 property 5):
//
//   - A fallback attachment carrying a container Path is rewritten to
//     Type=file and kept as a path reference.
//   - A fallback attachment carrying only inline Base64/ContentHash (no
//     Path) is dropped, unless the model declares the "file" modality — in
//     which case the raw payload is itself a native encoding the model can
//     ingest as a generic file, so the attachment is rewritten to Type=file
//     and moves into the native group.
//   - A fallback attachment with neither Path nor Base64/ContentHash (a
//     bare URL with no capability match) is dropped.
func Finalize(modalities []string, native, fallback []models.ChatAttachment) (finalNative, finalFallback []models.ChatAttachment) {
	supportsFile := false
	for _, m := range modalities {
		if m == "file" {
			supportsFile = true
			break
		}
	}

	finalNative = append(finalNative, native...)
	for _, a := range fallback {
		switch {
		case a.Path != "":
			a.Type = models.AttachmentFile
			finalFallback = append(finalFallback, a)
		case a.Base64 != "" || a.ContentHash != "":
			if supportsFile {
				a.Type = models.AttachmentFile
				finalNative = append(finalNative, a)
			}
			// else: dropped — cannot downgrade a base64-only attachment to
			// a path reference the model has no capability to read.
		default:
			// bare URL or empty attachment with no capability match: dropped.
		}
	}
	return finalNative, finalFallback
}
