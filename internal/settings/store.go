// Package settings persists VAD settings per profile as YAML documents.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/lexiqai/voice-translator/internal/vad"
)

// DefaultProfile is used when no profile name is given
const DefaultProfile = "default"

const fileExt = ".yaml"

// ErrInvalidProfile is returned for profile names that are not safe file names
var ErrInvalidProfile = errors.New("settings: invalid profile name")

var profilePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Store reads and writes one settings document per profile in a directory
type Store struct {
	dir      string
	defaults vad.Settings
	logger   zerolog.Logger

	mu sync.Mutex
}

// NewStore creates the directory if needed. defaults are returned for profiles
// without a document and fill keys a document omits.
func NewStore(dir string, defaults vad.Settings, logger zerolog.Logger) (*Store, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("settings: invalid defaults: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("settings: create dir %q: %w", dir, err)
	}
	return &Store{
		dir:      dir,
		defaults: defaults,
		logger:   logger.With().Str("component", "settings").Logger(),
	}, nil
}

// Defaults returns the settings used for unknown profiles
func (s *Store) Defaults() vad.Settings {
	return s.defaults
}

// Load returns the settings saved for profile. Missing, unreadable or invalid
// documents yield the defaults. Legacy documents are migrated and rewritten in
// the current format.
func (s *Store) Load(profile string) (vad.Settings, error) {
	path, err := s.path(profile)
	if err != nil {
		return vad.Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s.defaults, nil
	}
	if err != nil {
		return vad.Settings{}, fmt.Errorf("settings: read %q: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.logger.Warn().Err(err).Str("profile", profile).Msg("Failed to parse saved VAD settings, using defaults")
		return s.defaults, nil
	}

	switch {
	case doc.isCurrent():
		settings, err := doc.current(s.defaults).Settings()
		if err != nil {
			s.logger.Warn().Err(err).Str("profile", profile).Msg("Saved VAD settings are invalid, using defaults")
			return s.defaults, nil
		}
		return settings, nil

	case doc.isLegacy():
		settings := vad.MigrateLegacy(doc.legacy())
		s.logger.Info().
			Str("profile", profile).
			Float64("start_threshold", settings.StartThreshold).
			Float64("stop_threshold", settings.StopThreshold).
			Msg("Converted legacy VAD settings")
		if err := s.writeLocked(path, settings); err != nil {
			s.logger.Warn().Err(err).Str("profile", profile).Msg("Failed to rewrite migrated VAD settings")
		}
		return settings, nil
	}

	s.logger.Warn().Str("profile", profile).Msg("Saved VAD settings have no thresholds, using defaults")
	return s.defaults, nil
}

// Save validates settings and replaces the profile's document atomically
func (s *Store) Save(profile string, settings vad.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	path, err := s.path(profile)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(path, settings)
}

// Delete removes the profile's document. Deleting an unknown profile is not an error.
func (s *Store) Delete(profile string) error {
	path, err := s.path(profile)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("settings: delete %q: %w", path, err)
	}
	return nil
}

// Profiles lists the profiles with a saved document, sorted by name
func (s *Store) Profiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("settings: list %q: %w", s.dir, err)
	}

	var profiles []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		profile := strings.TrimSuffix(name, fileExt)
		if profilePattern.MatchString(profile) {
			profiles = append(profiles, profile)
		}
	}
	sort.Strings(profiles)
	return profiles, nil
}

func (s *Store) path(profile string) (string, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	if !profilePattern.MatchString(profile) {
		return "", fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}
	return filepath.Join(s.dir, profile+fileExt), nil
}

func (s *Store) writeLocked(path string, settings vad.Settings) error {
	data, err := yaml.Marshal(FromSettings(settings))
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("settings: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("settings: write %q: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("settings: sync %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("settings: close %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("settings: replace %q: %w", path, err)
	}
	return nil
}
