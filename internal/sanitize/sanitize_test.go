package sanitize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_SplitsOnPageMarkers(t *testing.T) {
	input := "intro text\n--- Page 1 ---\nfirst page body\n--- Page 2 ---\nsecond page body"
	out, err := Sanitize(input)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Pages, 2)
	assert.Equal(t, 1, doc.Pages[0].Number)
	assert.Equal(t, "first page body", doc.Pages[0].Text)
	assert.Equal(t, 2, doc.Pages[1].Number)
	assert.Equal(t, "second page body", doc.Pages[1].Text)
}

func TestSanitize_NoMarkersYieldsSinglePage(t *testing.T) {
	out, err := Sanitize("just some acte text with no markers")
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Pages, 1)
	assert.Equal(t, 1, doc.Pages[0].Number)
}
