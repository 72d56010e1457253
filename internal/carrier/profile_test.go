package carrier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProfileDefaults(t *testing.T) {
	path := writeProfile(t, t.TempDir(), "tro.toml", `
handler = "zipcase"
zip_name = "CRL{trackingId}.ZIP"
`)
	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "tro", p.ID)
	assert.Equal(t, "zipcase", p.Handler)
	assert.Equal(t, LeftoverReview, p.Leftover)
	assert.Equal(t, IndexFormatNone, p.IndexFormat)
	assert.Equal(t, "tif", p.Stage.ImageExt)
	assert.Equal(t, "idx", p.Stage.IndexExt)
	assert.Equal(t, Bundle103Never, p.Stage.Bundle103)
}

func TestLoadProfileFull(t *testing.T) {
	path := writeProfile(t, t.TempDir(), "aglite.toml", `
id = "aglite"
leftover = "retrans"
require_sample_transmit = true

[stage]
prefix = "CRL"
uppercase = true
bundle103 = "first"

[[window]]
days = ["mon", "tue", "wed", "thu", "fri"]
start = "03:00"
end = "18:30"

[transport]
kind = "ftp"
host = "ftp.example.com"
user = "crl"
password = "secret"
remote_dir = "/inbound"
spacing_seconds = 2

[derived]
FILENAME = "{docStem}.TIF"
`)
	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "aglite", p.ID)
	assert.Equal(t, LeftoverRetrans, p.Leftover)
	assert.True(t, p.RequireSampleTransmit)
	assert.Equal(t, "CRL", p.Stage.Prefix)
	assert.True(t, p.Stage.Uppercase)
	assert.Equal(t, Bundle103First, p.Stage.Bundle103)
	require.Len(t, p.Windows, 1)
	assert.Equal(t, TransportFTP, p.Transport.Kind)
	assert.Equal(t, 2, p.Transport.SpacingSeconds)
	assert.Equal(t, "{docStem}.TIF", p.Derived["FILENAME"])
}

func TestLoadProfileReconSection(t *testing.T) {
	path := writeProfile(t, t.TempDir(), "ban.toml", `
[recon]
format = "policyCsv"
pattern = "*.csv"
lookback_days = 14
push_approved = true
auto_restage = true
email_to = ["esubs@example.com"]
`)
	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, ReconPolicyCSV, p.Recon.Format)
	assert.Equal(t, "*.csv", p.Recon.Pattern)
	assert.Equal(t, 14, p.Recon.LookbackDays)
	assert.True(t, p.Recon.PushApproved)
	assert.True(t, p.Recon.AutoRestage)
	assert.Equal(t, []string{"esubs@example.com"}, p.Recon.EmailTo)
}

func TestLoadProfileRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"leftover.toml":  `leftover = "discard"`,
		"format.toml":    `index_format = "yaml"`,
		"bundle.toml":    "[stage]\nbundle103 = \"sometimes\"",
		"transport.toml": "[transport]\nkind = \"carrier-pigeon\"",
		"window.toml":    "[[window]]\nstart = \"25:99\"",
		"days.toml":      "[[window]]\ndays = [\"M\"]",
		"dayname.toml":   "[[window]]\ndays = [\"moonday\"]",
		"recon.toml":     "[recon]\nformat = \"xmlish\"",
	} {
		path := writeProfile(t, dir, name, content)
		_, err := LoadProfile(path)
		assert.Error(t, err, name)
	}
}

func TestLoadProfilesKeyedByID(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "tro.toml", `handler = "zipcase"`)
	writeProfile(t, dir, "aglite.toml", `leftover = "retrans"`)
	writeProfile(t, dir, "notes.txt", `not a profile`)

	profiles, err := LoadProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Contains(t, profiles, "tro")
	assert.Contains(t, profiles, "aglite")
}

func TestLoadProfilesRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a.toml", `id = "tro"`)
	writeProfile(t, dir, "b.toml", `id = "tro"`)

	_, err := LoadProfiles(dir)
	assert.ErrorContains(t, err, "duplicate carrier profile id")
}

func TestInWindow(t *testing.T) {
	open := &Profile{}
	assert.True(t, open.InWindow(time.Date(2026, 8, 23, 2, 0, 0, 0, time.UTC)))

	p := &Profile{Windows: []Window{
		{Days: []string{"tuesday"}, Start: "03:00", End: "18:30"},
		{Days: []string{"sat"}, Start: "08:00"},
	}}
	// Tuesday in hours
	assert.True(t, p.InWindow(time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)))
	assert.True(t, p.InWindow(time.Date(2026, 8, 25, 18, 30, 0, 0, time.UTC)))
	// Tuesday out of hours
	assert.False(t, p.InWindow(time.Date(2026, 8, 25, 2, 59, 0, 0, time.UTC)))
	assert.False(t, p.InWindow(time.Date(2026, 8, 25, 18, 31, 0, 0, time.UTC)))
	// Saturday window with no end runs to end of day
	assert.True(t, p.InWindow(time.Date(2026, 8, 29, 23, 59, 0, 0, time.UTC)))
	assert.False(t, p.InWindow(time.Date(2026, 8, 29, 7, 59, 0, 0, time.UTC)))
	// Wednesday matches neither window
	assert.False(t, p.InWindow(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)))
}

// A day entry shorter than the three-letter key must not blow up the
// contact worker; it simply never matches.
func TestInWindowShortDayEntry(t *testing.T) {
	p := &Profile{Windows: []Window{{Days: []string{"M"}}}}
	assert.NotPanics(t, func() {
		assert.False(t, p.InWindow(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)))
	})
}
