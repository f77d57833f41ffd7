package core

import apperrors "github.com/Skryldev/image-dither/errors"

// Classify maps the error of one image run to its tally bucket.  A nil error
// is OutcomeProcessed; every non-nil error lands in exactly one of too-small,
// cors or error.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeProcessed
	case apperrors.IsCategory(err, apperrors.CategoryTooSmall):
		return OutcomeTooSmall
	case apperrors.IsCategory(err, apperrors.CategoryCORS):
		return OutcomeCORS
	}
	return OutcomeError
}
