package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeFor(t *testing.T) {
	talks, ok := ModeFor("talks")
	require.True(t, ok)
	assert.Equal(t, 15*time.Second, talks.TranslationInterval)
	assert.Equal(t, 4*time.Second, talks.PauseDetection)
	assert.Equal(t, 6, talks.MinWords)
	assert.False(t, talks.EnableTTS)
	assert.True(t, talks.DisplayVisualCards)

	earbuds, ok := ModeFor("earbuds")
	require.True(t, ok)
	assert.True(t, earbuds.EnableTTS)

	_, ok = ModeFor("karaoke")
	assert.False(t, ok)
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, MinTranslationInterval, ClampInterval(100*time.Millisecond))
	assert.Equal(t, MaxTranslationInterval, ClampInterval(5*time.Minute))
	assert.Equal(t, 20*time.Second, ClampInterval(20*time.Second))
}

func TestLoadTermsMissingFile(t *testing.T) {
	terms, err := LoadTerms(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, terms.Mappings)
	assert.Equal(t, float32(15), terms.PhraseBoost)
}

func TestLoadTerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.yaml")
	data := `
mappings:
  - pattern: memorial
    replacement: Memorial
  - pattern: the governing body
    replacement: the Governing Body
    when_source_contains: corpul
religious_nouns:
  - english_trigger: jehovah
    canonical: Iehova
    variants: [Iehovah, Jehova]
single_word_fallback:
  - source: frate
    target: brother
phrase_hints: [Iehova, Obadia, Ieremia]
phrase_boost: 12
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	terms, err := LoadTerms(path)
	require.NoError(t, err)
	require.Len(t, terms.Mappings, 2)
	assert.Equal(t, "corpul", terms.Mappings[1].WhenSourceContains)
	require.Len(t, terms.ReligiousNouns, 1)
	assert.Equal(t, []string{"Iehovah", "Jehova"}, terms.ReligiousNouns[0].Variants)
	assert.Equal(t, []string{"Iehova", "Obadia", "Ieremia"}, terms.PhraseHints)
	assert.Equal(t, float32(12), terms.PhraseBoost)
}

func TestLoadRequiresProject(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS_JSON", `{"type":"service_account"}`)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("GOOGLE_CLOUD_LOCATION", "europe-west1")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS_JSON", `{"type":"service_account"}`)
	t.Setenv("PORT", "9001")
	t.Setenv("MAX_CONNECTIONS", "7")
	t.Setenv("MAX_CONNECTIONS_PER_IP", "2")
	t.Setenv("INACTIVITY_TIMEOUT", "10m")
	t.Setenv("GLOSSARY_ENABLED", "false")
	t.Setenv("TRANSLATION_MODEL", "advanced")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 7, cfg.MaxConnections)
	assert.Equal(t, 2, cfg.MaxConnectionsPerIP)
	assert.Equal(t, 10*time.Minute, cfg.InactivityTimeout)
	assert.False(t, cfg.GlossaryEnabled)
	assert.Equal(t, "advanced", cfg.TranslationModel)
	assert.Equal(t, "europe-west1", cfg.Location)
	assert.NotEmpty(t, cfg.CredentialsJSON)
}

func TestLoadRejectsBadModel(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS_JSON", `{"type":"service_account"}`)
	t.Setenv("TRANSLATION_MODEL", "llm")
	_, err := Load()
	assert.Error(t, err)
}

func TestCredentialsFromFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.json")
	require.NoError(t, os.WriteFile(keyPath, []byte(`{}`), 0600))

	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS_JSON", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", keyPath)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, keyPath, cfg.CredentialsFile)
	assert.Empty(t, cfg.CredentialsJSON)
}

func TestCredentialsAbsentFailsFast(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS_JSON", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", filepath.Join(t.TempDir(), "missing.json"))
	_, err := Load()
	assert.Error(t, err)
}
