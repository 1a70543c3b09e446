package label

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkin/internal/models"
)

func TestRender(t *testing.T) {
	g := NewGenerator()

	data, err := g.Render(models.Ticket{Code: "ABC123"})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
}

func TestRender_NoCode(t *testing.T) {
	_, err := NewGenerator().Render(models.Ticket{})
	assert.Error(t, err)
}
