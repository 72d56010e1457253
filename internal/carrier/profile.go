// Package carrier holds everything a downstream destination customizes:
// the TOML profile that drives the generic index and transmit hooks,
// the registry that binds a contact's hook id to an implementation, and
// the few carriers whose behavior does not fit the profile.
package carrier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Leftover policies for files a crashed run left in the transmit
// staging folder.
const (
	LeftoverReview  = "review"
	LeftoverRetrans = "retrans"
)

// 103 bundling modes.
const (
	Bundle103Never  = "never"
	Bundle103First  = "first"
	Bundle103Full   = "full"
	Bundle103Always = "always"
)

// Index post-formats applied to written IDX files.
const (
	IndexFormatNone          = "none"
	IndexFormatSectionHeader = "sectionHeader"
	IndexFormatKeyline       = "keyline"
)

// Transport kinds.
const (
	TransportFTP    = "ftp"
	TransportSFTP   = "sftp"
	TransportPickup = "pickup"
	TransportEmail  = "email"
)

// Stage controls how document/index pairs are renamed into the
// transmit staging folder.
type Stage struct {
	Prefix    string `toml:"prefix"`
	ImageExt  string `toml:"image_ext"`
	IndexExt  string `toml:"index_ext"`
	Uppercase bool   `toml:"uppercase"`
	Bundle103 string `toml:"bundle103"`
}

// Window is a weekday time-of-day range during which the carrier
// accepts transmissions. Start and End are "HH:MM".
type Window struct {
	Days  []string `toml:"days"`
	Start string   `toml:"start"`
	End   string   `toml:"end"`
}

// Transport names the delivery mechanism and its destination. Rename
// maps staged extensions to the ones the destination expects (pickup
// folders that feed another pipeline tend to want these).
type Transport struct {
	Kind           string            `toml:"kind"`
	Host           string            `toml:"host"`
	User           string            `toml:"user"`
	Password       string            `toml:"password"`
	RemoteDir      string            `toml:"remote_dir"`
	PickupDir      string            `toml:"pickup_dir"`
	EmailTo        []string          `toml:"email_to"`
	EmailFrom      string            `toml:"email_from"`
	SpacingSeconds int               `toml:"spacing_seconds"`
	Rename         map[string]string `toml:"rename"`
}

// Profile is the declarative shape of one carrier's handling, loaded
// from a TOML file. Everything the original hard-coded per carrier
// (hosts, naming templates, windows) lives here.
type Profile struct {
	ID       string `toml:"id"`
	Handler  string `toml:"handler"`
	Leftover string `toml:"leftover"`

	// Index field carrying the tracking id, for handlers that need to
	// recover the case from a staged index file.
	TrackingField string `toml:"tracking_field"`

	ZipPerCase bool   `toml:"zip_per_case"`
	ZipName    string `toml:"zip_name"`

	IndexFormat   string `toml:"index_format"`
	SectionHeader string `toml:"section_header"`
	Keyline       string `toml:"keyline"`

	RequireSampleTransmit bool `toml:"require_sample_transmit"`

	// Derived index fields set after source resolution, field name to
	// token template.
	Derived map[string]string `toml:"derived"`

	Stage     Stage     `toml:"stage"`
	Windows   []Window  `toml:"window"`
	Transport Transport `toml:"transport"`

	// PGP recipient; empty means no encryption.
	EncryptTo string `toml:"encrypt_to"`

	// Recon describes the carrier's reconciliation feed, for carriers
	// that send one back.
	Recon Recon `toml:"recon"`
}

// Recon feed formats, matching the shapes the reconciler parses.
const (
	ReconBundleList = "bundleList"
	ReconPolicyCSV  = "policyCsv"
	ReconPipeList   = "pipeList"
)

// Recon is the per-carrier reconciliation feed configuration.
type Recon struct {
	// Format of the feed rows; empty means the carrier sends no feed.
	Format string `toml:"format"`

	// Pattern globs feed files in the recon inbox; empty means "*.txt".
	Pattern string `toml:"pattern"`

	// LookbackDays bounds the retransmit analysis; zero means the
	// previous business day.
	LookbackDays int `toml:"lookback_days"`

	// ContactIDs widens the retransmit analysis past the recon contact.
	ContactIDs []string `toml:"contact_ids"`

	PushApproved bool     `toml:"push_approved"`
	AutoRestage  bool     `toml:"auto_restage"`
	EmailTo      []string `toml:"email_to"`
}

// LoadProfile reads one profile file and applies defaults.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{}
	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, fmt.Errorf("parsing carrier profile %s: %w", path, err)
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Leftover == "" {
		p.Leftover = LeftoverReview
	}
	if p.IndexFormat == "" {
		p.IndexFormat = IndexFormatNone
	}
	if p.Stage.ImageExt == "" {
		p.Stage.ImageExt = "tif"
	}
	if p.Stage.IndexExt == "" {
		p.Stage.IndexExt = "idx"
	}
	if p.Stage.Bundle103 == "" {
		p.Stage.Bundle103 = Bundle103Never
	}
	return p, p.validate()
}

// LoadProfiles reads every .toml profile in dir, keyed by profile id.
func LoadProfiles(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile dir %s: %w", dir, err)
	}
	profiles := make(map[string]*Profile)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		p, err := LoadProfile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate carrier profile id %q", p.ID)
		}
		profiles[p.ID] = p
	}
	return profiles, nil
}

func (p *Profile) validate() error {
	switch p.Leftover {
	case LeftoverReview, LeftoverRetrans:
	default:
		return fmt.Errorf("profile %s: unknown leftover policy %q", p.ID, p.Leftover)
	}
	switch p.IndexFormat {
	case IndexFormatNone, IndexFormatSectionHeader, IndexFormatKeyline:
	default:
		return fmt.Errorf("profile %s: unknown index format %q", p.ID, p.IndexFormat)
	}
	switch p.Stage.Bundle103 {
	case Bundle103Never, Bundle103First, Bundle103Full, Bundle103Always:
	default:
		return fmt.Errorf("profile %s: unknown bundle103 mode %q", p.ID, p.Stage.Bundle103)
	}
	switch p.Transport.Kind {
	case "", TransportFTP, TransportSFTP, TransportPickup, TransportEmail:
	default:
		return fmt.Errorf("profile %s: unknown transport kind %q", p.ID, p.Transport.Kind)
	}
	switch p.Recon.Format {
	case "", ReconBundleList, ReconPolicyCSV, ReconPipeList:
	default:
		return fmt.Errorf("profile %s: unknown recon format %q", p.ID, p.Recon.Format)
	}
	for _, w := range p.Windows {
		if _, err := parseClock(w.Start); err != nil {
			return fmt.Errorf("profile %s: bad window start %q", p.ID, w.Start)
		}
		if _, err := parseClock(w.End); err != nil {
			return fmt.Errorf("profile %s: bad window end %q", p.ID, w.End)
		}
		for _, d := range w.Days {
			if !weekdayKeys[dayKey(d)] {
				return fmt.Errorf("profile %s: unknown window day %q", p.ID, d)
			}
		}
	}
	return nil
}

var weekdayKeys = map[string]bool{
	"sun": true, "mon": true, "tue": true, "wed": true,
	"thu": true, "fri": true, "sat": true,
}

// dayKey normalizes a configured day name ("Mon", "monday") to its
// three-letter key. Names shorter than three characters come back as-is
// and match nothing.
func dayKey(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if len(d) < 3 {
		return d
	}
	return d[:3]
}

// InWindow reports whether now falls inside any configured window. No
// windows means always open.
func (p *Profile) InWindow(now time.Time) bool {
	if len(p.Windows) == 0 {
		return true
	}
	for _, w := range p.Windows {
		if w.contains(now) {
			return true
		}
	}
	return false
}

func (w Window) contains(now time.Time) bool {
	if len(w.Days) > 0 {
		day := strings.ToLower(now.Weekday().String()[:3])
		found := false
		for _, d := range w.Days {
			if dayKey(d) == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	start, _ := parseClock(w.Start)
	end := 24*60 - 1
	if w.End != "" {
		end, _ = parseClock(w.End)
	}
	minute := now.Hour()*60 + now.Minute()
	return minute >= start && minute <= end
}

func parseClock(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
