package devices

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"gopkg.in/yaml.v3"
)

// DefaultProfile is the name under which the embedded profile is served.
const DefaultProfile = "water-tank"

//go:embed profiles/water-tank.yaml
var defaultProfileYAML []byte

var profileExtensions = []string{".yaml", ".yml", ".json"}

type ProfileLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load sucht das Profil in den Suchpfaden (.yaml, .yml, .json). Existiert
// profilePath selbst als Datei, wird sie direkt gelesen. Ohne Treffer wird
// für DefaultProfile das eingebettete Profil verwendet.
func (l *ProfileLoader) Load(profilePath string) (*types.DeviceProfileDefinition, error) {
	if profilePath == "" {
		profilePath = DefaultProfile
	}

	// Cache-Check
	if cached, ok := l.cache.Load(profilePath); ok {
		return cached.(*types.DeviceProfileDefinition), nil
	}

	data, foundPath := l.find(profilePath)
	if data == nil {
		if profilePath != DefaultProfile {
			return nil, fmt.Errorf("profile not found: %s (searched in: %v)", profilePath, l.searchPaths)
		}
		data, foundPath = defaultProfileYAML, "embedded:"+DefaultProfile
	}

	profile, err := l.Parse(data, filepath.Ext(foundPath))
	if err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", foundPath, err)
	}

	l.cache.Store(profilePath, profile)

	return profile, nil
}

func (l *ProfileLoader) find(profilePath string) ([]byte, string) {
	if info, err := os.Stat(profilePath); err == nil && !info.IsDir() {
		if data, err := os.ReadFile(profilePath); err == nil {
			return data, profilePath
		}
	}

	for _, searchPath := range l.searchPaths {
		for _, ext := range profileExtensions {
			fullPath := filepath.Join(searchPath, profilePath+ext)
			if data, err := os.ReadFile(fullPath); err == nil {
				return data, fullPath
			}
		}
	}
	return nil, ""
}

// Parse validiert und dekodiert ein Profil; ext wählt den Decoder.
func (l *ProfileLoader) Parse(data []byte, ext string) (*types.DeviceProfileDefinition, error) {
	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, err
	}

	var profile types.DeviceProfileDefinition
	var err error
	if ext == ".json" {
		err = json.Unmarshal(data, &profile)
	} else {
		err = yaml.Unmarshal(data, &profile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	if err := validateSemantics(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (l *ProfileLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
