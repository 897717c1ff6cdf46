package conversation

import (
	"errors"
	"fmt"

	"github.com/mqy/minichat/attachment"
	"github.com/mqy/minichat/realtime"
)

var (
	ErrEmptyMessage = errors.New("conversation: empty message")
	ErrNotActive    = errors.New("conversation: no active conversation")
	ErrNotSignedIn  = errors.New("conversation: not signed in")
	ErrNotAdmin     = errors.New("conversation: admin only")
	ErrSuperseded   = realtime.ErrSuperseded
)

// PersistError is a send whose attachment, if any, was uploaded but whose
// message could not be saved.
type PersistError struct {
	ConversationId string
	Err            error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("conversation `%s`: persist message: %v", e.ConversationId, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

type Outcome string

const (
	OutcomeNone            Outcome = ""
	OutcomeSuccess         Outcome = "success"
	OutcomeValidation      Outcome = "validation"
	OutcomeUploadFailed    Outcome = "upload_failed"
	OutcomePersistFailed   Outcome = "persist_failed"
	OutcomeUnauthenticated Outcome = "unauthenticated"
)

// OutcomeOf maps a send error to the outcome reported to callers.
func OutcomeOf(err error) Outcome {
	var uploadErr *attachment.UploadError

	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, attachment.ErrSizeExceeded), errors.Is(err, ErrNotActive):
		return OutcomeValidation
	case errors.Is(err, ErrNotSignedIn):
		return OutcomeUnauthenticated
	case errors.As(err, &uploadErr):
		return OutcomeUploadFailed
	default:
		// *PersistError and anything the store returned unwrapped.
		return OutcomePersistFailed
	}
}
