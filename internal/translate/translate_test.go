package translate

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestTranslateUsesRegisteredLocale(t *testing.T) {
	cat := NewCatalog(language.English, language.Spanish)
	cat.Set(language.Spanish, "stage.reference_avatar", "Generando avatar de referencia")

	got := cat.Translate("es", "stage.reference_avatar")
	require.Equal(t, "Generando avatar de referencia", got)
}

func TestTranslateFallsBackToKeyWhenUnregistered(t *testing.T) {
	cat := NewCatalog(language.English)
	got := cat.Translate("fr", "stage.reference_avatar")
	require.Equal(t, "stage.reference_avatar", got)
}

func TestTranslateFallsBackOnUnparseableLanguage(t *testing.T) {
	cat := NewCatalog(language.English)
	cat.Set(language.English, "stage.reference_front", "Generating front reference")

	got := cat.Translate("not-a-real-tag!!", "stage.reference_front")
	require.Equal(t, "Generating front reference", got)
}
