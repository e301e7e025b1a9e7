package flow

import (
	"context"

	"github.com/relaykit/core/internal/attachments"
	"github.com/relaykit/core/pkg/models"
)

// routeAttachments implements spec.md §4.4 step 8: route attachments per
// §4.2 against the selected model's declared modalities and merge the
// result into the gateway request's attachments array, native-first.
func (r *Resolver) routeAttachments(_ context.Context, model ModelRecord, atts []models.ChatAttachment) []models.ChatAttachment {
	if len(atts) == 0 {
		return []models.ChatAttachment{}
	}
	native, fallback := attachments.Route(model.InputModalities, atts)
	native, fallback = attachments.Finalize(model.InputModalities, native, fallback)

	merged := make([]models.ChatAttachment, 0, len(native)+len(fallback))
	merged = append(merged, native...)
	merged = append(merged, fallback...)
	return merged
}
