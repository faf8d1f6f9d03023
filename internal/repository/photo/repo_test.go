package photo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOwnerFromKey(t *testing.T) {
	assert.Equal(t, "u1", OwnerFromKey("uploads/u1/abc.jpg"))
	assert.Equal(t, "u42", OwnerFromKey("uploads/u42/albums/trip.jpg"))

	// Keys outside the upload namespace carry no owner segment.
	assert.Equal(t, "", OwnerFromKey("processed/u1/abc.jpg"))
	assert.Equal(t, "", OwnerFromKey("abc.jpg"))
	assert.Equal(t, "", OwnerFromKey("uploads/orphan"))
}
