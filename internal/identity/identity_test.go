package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Static("user-1")))
	assert.ErrorIs(t, Validate(Static("")), ErrNoUser)
	assert.ErrorIs(t, Validate(nil), ErrNoUser)
}
