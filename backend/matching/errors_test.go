package matching

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	t.Run("IsMatchesByCode", func(t *testing.T) {
		err := Wrap(CodeNotFound, errors.New("no rows"), "read profile")
		assert.True(t, errors.Is(err, ErrProfileNotFound))
		assert.False(t, errors.Is(New(CodeInvalidState, "x"), ErrProfileNotFound))
	})

	t.Run("FromStoreKeepsTaxonomyCodes", func(t *testing.T) {
		err := fromStore(ErrProfileNotFound, "read counterpart")
		assert.Equal(t, CodeNotFound, CodeOf(err))
		assert.Contains(t, err.Error(), "read counterpart")
	})

	t.Run("FromStoreWrapsForeignErrors", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := fromStore(cause, "append like")
		assert.Equal(t, CodeUnavailable, CodeOf(err))
		assert.ErrorIs(t, err, cause)
		assert.Nil(t, fromStore(nil, "noop"))
	})

	t.Run("CodeOfForeignError", func(t *testing.T) {
		assert.Equal(t, CodeUnavailable, CodeOf(errors.New("boom")))
		assert.Equal(t, Code(""), CodeOf(nil))
	})

	t.Run("Metadata", func(t *testing.T) {
		assert.True(t, MetadataFor(CodeUnavailable).Retryable)
		assert.False(t, MetadataFor(CodePartialWrite).Retryable)
		assert.Equal(t, MetadataFor(CodeUnavailable), MetadataFor(Code("bogus")))
		for _, code := range []Code{CodeNotFound, CodePartialWrite, CodeInvalidState, CodeUnavailable} {
			assert.True(t, MetadataFor(code).Notice, "%s is surfaced as a notice", code)
		}
	})
}
