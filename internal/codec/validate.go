package codec

import (
	"fmt"
	"math"
	"strings"

	"github.com/sealgram/sealgram/internal/models"
)

// Raw byte ceilings. The wire carries text-safe (base64) payloads, so each
// limit is checked against its encoded size via the expansion factor.
const (
	textLimit           = 4096
	attachmentNameLimit = 2048
	imageLimit          = 2097152
	imageLimitSponsor   = 10485760
	videoLimit          = 20971520
	videoLimitSponsor   = 62914560
	imageThumbLimit     = 102400
	videoThumbLimit     = 409600
	wrappedKeyLimit     = 2048
	maxImages           = 9

	encodingFactor = 1.4
)

func encodedLimit(raw int) int {
	return int(math.Ceil(float64(raw) * encodingFactor))
}

// ValidationError identifies a single failing field.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// ValidationErrors aggregates every failing field so the caller can see all
// of them at once. The save is rejected as a whole.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	reasons := make([]string, len(e))
	for i, ve := range e {
		reasons[i] = ve.Error()
	}
	return "validation failed: " + strings.Join(reasons, "; ")
}

func (e *ValidationErrors) add(field, reason string) {
	*e = append(*e, ValidationError{Field: field, Reason: reason})
}

// validateDraft checks payload shape and size ceilings before any encryption
// or upload happens. Returns nil when the draft is acceptable.
func validateDraft(draft *Draft, sponsor bool) error {
	var errs ValidationErrors

	imageCeiling := imageLimit
	videoCeiling := videoLimit
	if sponsor {
		imageCeiling = imageLimitSponsor
		videoCeiling = videoLimitSponsor
	}

	if len(draft.Images) > 0 && draft.Video != nil {
		errs.add("images", "message cannot carry both an image set and a video")
	}

	if draft.Text != nil && len(*draft.Text) > encodedLimit(textLimit) {
		errs.add("text", fmt.Sprintf("exceeds %d bytes", encodedLimit(textLimit)))
	}
	if draft.Text != nil && *draft.Text == "" {
		errs.add("text", "must not be empty when present")
	}

	if len(draft.Images) > maxImages {
		errs.add("images", fmt.Sprintf("at most %d images allowed", maxImages))
	}
	for i := range draft.Images {
		validateAttachment(&errs, fmt.Sprintf("images[%d]", i), &draft.Images[i],
			imageCeiling, imageThumbLimit, false)
	}

	if draft.Video != nil {
		validateAttachment(&errs, "video", draft.Video, videoCeiling, videoThumbLimit, true)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateAttachment(errs *ValidationErrors, field string, a *models.Attachment, dataCeiling, thumbCeiling int, thumbnailRequired bool) {
	if a.Name == "" {
		errs.add(field+".name", "required")
	} else if len(a.Name) > encodedLimit(attachmentNameLimit) {
		errs.add(field+".name", fmt.Sprintf("exceeds %d bytes", encodedLimit(attachmentNameLimit)))
	}

	if a.Data == "" {
		errs.add(field+".data", "required")
	} else if len(a.Data) > encodedLimit(dataCeiling) {
		errs.add(field+".data", fmt.Sprintf("exceeds %d bytes", encodedLimit(dataCeiling)))
	}
	if a.DataType == "" {
		errs.add(field+".data_type", "required")
	}

	if a.Thumbnail == nil {
		if thumbnailRequired {
			errs.add(field+".thumbnail", "required")
		}
	} else if len(*a.Thumbnail) > encodedLimit(thumbCeiling) {
		errs.add(field+".thumbnail", fmt.Sprintf("exceeds %d bytes", encodedLimit(thumbCeiling)))
	}
}

// validateMessageKeys checks the key material a message carries against its
// mode and the parent conversation's participant set.
func validateMessageKeys(msg *models.Message, conv *models.Conversation) error {
	var errs ValidationErrors

	switch {
	case msg.Informational:
		// Informational messages carry no key material.
	case msg.Mode == models.ModeChat:
		if len(msg.Keys) == 0 {
			errs.add("keys", "required for chat messages")
		}
		for userID, wrapped := range msg.Keys {
			if !conv.HasParticipant(userID) {
				errs.add("keys", fmt.Sprintf("user %d is not a participant", userID))
			}
			if wrapped == "" || len(wrapped) > wrappedKeyLimit {
				errs.add("keys", fmt.Sprintf("entry for user %d exceeds %d bytes", userID, wrappedKeyLimit))
			}
		}
	case msg.Mode == models.ModeChannelPrivate:
		if msg.Key == nil || *msg.Key == "" {
			errs.add("key", "required for private channel messages")
		} else if len(*msg.Key) > wrappedKeyLimit {
			errs.add("key", fmt.Sprintf("exceeds %d bytes", wrappedKeyLimit))
		}
		if len(msg.Keys) > 0 {
			errs.add("keys", "not allowed for private channel messages")
		}
	case msg.Mode == models.ModeChannelPublic:
		if msg.Key != nil || len(msg.Keys) > 0 {
			errs.add("keys", "not allowed for public channel messages")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
