package fieldmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/eventimport/internal/model"
)

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", "eng"},
		{"en", "eng"},
		{"eng", "eng"},
		{"de", "deu"},
		{"de-AT", "deu"},
		{"fr", "fra"},
		{"es", "spa"},
		{"nl", "nld"},
		{"pt-BR", "por"},
		{"!!", "eng"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeLanguage(tt.in))
		})
	}
}

func TestDetect_English(t *testing.T) {
	t.Parallel()

	headers := []string{"Event Name", "Start_Date", "Latitude", "Longitude", "Venue", "Address", "Notes"}
	got := Detect(headers, "eng", model.FieldMappings{})

	assert.Equal(t, "Event Name", got.Title)
	assert.Equal(t, "Start_Date", got.Timestamp)
	assert.Equal(t, "Latitude", got.Latitude)
	assert.Equal(t, "Longitude", got.Longitude)
	assert.Equal(t, "Venue", got.LocationName)
	assert.Equal(t, "Address", got.Location)
	assert.Equal(t, "Notes", got.Description)
	assert.Empty(t, got.ID)
}

func TestDetect_GermanWithBaseFallback(t *testing.T) {
	t.Parallel()

	headers := []string{"Titel", "Datum", "Adresse", "lat", "lng"}
	got := Detect(headers, "de", model.FieldMappings{})

	assert.Equal(t, "Titel", got.Title)
	assert.Equal(t, "Datum", got.Timestamp)
	assert.Equal(t, "Adresse", got.Location)
	assert.Equal(t, "lat", got.Latitude)
	assert.Equal(t, "lng", got.Longitude)
}

func TestDetect_OverridesWin(t *testing.T) {
	t.Parallel()

	headers := []string{"title", "headline", "date"}
	got := Detect(headers, "eng", model.FieldMappings{Title: "headline"})
	assert.Equal(t, "headline", got.Title)
	assert.Equal(t, "date", got.Timestamp)
}

func TestDetect_ContainsWord(t *testing.T) {
	t.Parallel()

	got := Detect([]string{"venue address", "concert title"}, "eng", model.FieldMappings{})
	assert.Equal(t, "concert title", got.Title)
	assert.Equal(t, "venue address", got.LocationName)
	assert.Empty(t, got.Location)
}

func TestSupported(t *testing.T) {
	t.Parallel()

	assert.True(t, Supported("it"))
	assert.True(t, Supported("por"))
	assert.False(t, Supported("ja"))
}
