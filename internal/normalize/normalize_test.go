package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"collapses whitespace", "  Kinder  Yoga  ", "kinder yoga"},
		{"lowercases", "KINDERYOGA", "kinderyoga"},
		{"strips punctuation", "Yoga, für Kinder!", "yoga fur kinder"},
		{"folds diacritics", "Führung: Zürich", "fuhrung zurich"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Title(tt.in))
		})
	}
}

func TestTitle_Idempotent(t *testing.T) {
	assert.Equal(t, Title("kinder yoga"), Title("  Kinder  Yoga  "))
	assert.Equal(t, Title("Kinder Yoga"), Title(Title("Kinder Yoga")))
}

func TestVenue(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"expands str abbreviation", "Bahnhofstr. 5", "bahnhofstrasse 5"},
		{"already expanded unchanged", "Bahnhofstrasse 5", "bahnhofstrasse 5"},
		{"trailing punctuation", "Stadtpark,", "stadtpark"},
		{"diacritics", "Gemeindehaus Zürich", "gemeindehaus zurich"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Venue(tt.in))
		})
	}
}

func TestVenue_Idempotent(t *testing.T) {
	v := Venue("Bahnhofstr. 5, Zürich")
	assert.Equal(t, v, Venue(v))
}

func TestJaccard(t *testing.T) {
	a := TokenSet("kinder yoga im park")
	b := TokenSet("kinder yoga")
	assert.InDelta(t, 0.5, Jaccard(a, b), 1e-9)

	assert.Equal(t, 1.0, Jaccard(a, a))
	assert.Equal(t, 0.0, Jaccard(a, TokenSet("")))
	assert.Equal(t, 0.0, Jaccard(TokenSet(""), TokenSet("")))
}

func TestIsJunkTitle(t *testing.T) {
	junk := []string{"Veranstaltungen", "Agenda", "Seite 2", "42", "  ", "Mo, 15.03.", "Cookie-Einstellungen"}
	for _, s := range junk {
		assert.True(t, IsJunkTitle(s), s)
	}

	real := []string{"Kinderyoga im Park", "Familienbrunch", "Führung durch das Museum"}
	for _, s := range real {
		assert.False(t, IsJunkTitle(s), s)
	}
}
