package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractIDFallbackOrder(t *testing.T) {
	id, err := ExtractID(Record{".id": "*1A", "id": "x", "ret": "*2"})
	require.NoError(t, err)
	assert.Equal(t, "*1A", id)

	id, err = ExtractID(Record{"id": "*3"})
	require.NoError(t, err)
	assert.Equal(t, "*3", id)

	id, err = ExtractID(Record{"ret": "*4"})
	require.NoError(t, err)
	assert.Equal(t, "*4", id)

	// blank values fall through to the next key
	id, err = ExtractID(Record{".id": "", "ret": "*5"})
	require.NoError(t, err)
	assert.Equal(t, "*5", id)
}

func TestExtractIDMissing(t *testing.T) {
	_, err := ExtractID(Record{"name": "voucher"})
	assert.ErrorIs(t, err, ErrNoIdentifier)

	_, err = ExtractID(Record{".id": nil})
	assert.ErrorIs(t, err, ErrNoIdentifier)
}

func TestExtractIDFromBody(t *testing.T) {
	id, err := ExtractIDFromBody([]byte(`{".id":"*9","name":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "*9", id)

	id, err = ExtractIDFromBody([]byte(`[{"ret":"*A"}]`))
	require.NoError(t, err)
	assert.Equal(t, "*A", id)

	_, err = ExtractIDFromBody([]byte(`{}`))
	assert.ErrorIs(t, err, ErrNoIdentifier)

	_, err = ExtractIDFromBody([]byte(`{not json`))
	assert.True(t, IsKind(err, ProtocolError))
}
