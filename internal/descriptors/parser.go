// Package descriptors loads the API descriptor file that drives a run: the
// APIs themselves, the login API, execution parameters and phase ordering.
package descriptors

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"api-replay/internal/common/errors"
	"api-replay/internal/common/validation"
	"api-replay/internal/models"
)

// Phase names a stage of a virtual user's run
type Phase string

const (
	PhaseInitialize Phase = "initialize"
	PhaseAction     Phase = "action"
	PhaseFinalize   Phase = "finalize"
)

// Phases lists API names per phase, in execution order
type Phases struct {
	Initialize []string `yaml:"initialize" toml:"initialize" json:"initialize,omitempty"`
	Action     []string `yaml:"action" toml:"action" json:"action,omitempty"`
	Finalize   []string `yaml:"finalize" toml:"finalize" json:"finalize,omitempty"`
}

func (p Phases) empty() bool {
	return len(p.Initialize) == 0 && len(p.Action) == 0 && len(p.Finalize) == 0
}

// File is the on-disk descriptor document
type File struct {
	AuthAPI      string                 `yaml:"auth_api" toml:"auth_api" json:"auth_api,omitempty"`
	Parameters   map[string]string      `yaml:"parameters" toml:"parameters" json:"parameters,omitempty"`
	Dependencies map[string]string      `yaml:"dependencies" toml:"dependencies" json:"dependencies,omitempty"`
	Phases       Phases                 `yaml:"phases" toml:"phases" json:"phases,omitempty"`
	APIs         []models.ApiDescriptor `yaml:"apis" toml:"apis" json:"apis" validate:"required,min=1,dive"`
}

// Parser answers questions about a loaded descriptor file. It is read-only
// after construction and safe for concurrent use.
type Parser struct {
	file   File
	byName map[string]*models.ApiDescriptor
	phases map[Phase][]*models.ApiDescriptor
}

// Load reads and validates the descriptor file at path. The format follows
// the extension: .toml for TOML, anything else is read as YAML.
func Load(path string) (*Parser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigurationError(fmt.Sprintf("failed to read descriptor file %s: %v", path, err))
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes data in the given format ("yaml" or "toml") and validates it
func Parse(data []byte, format string) (*Parser, error) {
	var file File

	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, errors.ConfigurationError(fmt.Sprintf("invalid YAML descriptor file: %v", err))
		}
	case "toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, errors.ConfigurationError(fmt.Sprintf("invalid TOML descriptor file: %v", err))
		}
	default:
		return nil, errors.ConfigurationError(fmt.Sprintf("unsupported descriptor format %q", format))
	}

	return New(file)
}

// New validates file and indexes it
func New(file File) (*Parser, error) {
	if err := validation.ValidateStruct(file); err != nil {
		return nil, err
	}

	p := &Parser{
		file:   file,
		byName: make(map[string]*models.ApiDescriptor, len(file.APIs)),
		phases: make(map[Phase][]*models.ApiDescriptor),
	}

	for i := range p.file.APIs {
		d := &p.file.APIs[i]
		if _, dup := p.byName[d.Name]; dup {
			return nil, errors.ValidationError(fmt.Sprintf("duplicate api name %q", d.Name))
		}
		p.byName[d.Name] = d
	}

	if file.AuthAPI != "" {
		if _, ok := p.byName[file.AuthAPI]; !ok {
			return nil, errors.ValidationError(fmt.Sprintf("auth_api %q does not name a declared api", file.AuthAPI))
		}
	}

	for api, dependsOn := range file.Dependencies {
		for _, name := range []string{api, dependsOn} {
			if _, ok := p.byName[name]; !ok {
				return nil, errors.ValidationError(fmt.Sprintf("dependency %s -> %s names an unknown api %q", api, dependsOn, name))
			}
		}
	}

	phases := file.Phases
	if phases.empty() {
		// without explicit phases everything except the login API is an action
		phases.Action = lo.FilterMap(file.APIs, func(d models.ApiDescriptor, _ int) (string, bool) {
			return d.Name, d.Name != file.AuthAPI
		})
	}

	for phase, names := range map[Phase][]string{
		PhaseInitialize: phases.Initialize,
		PhaseAction:     phases.Action,
		PhaseFinalize:   phases.Finalize,
	} {
		for _, name := range names {
			d, ok := p.byName[name]
			if !ok {
				return nil, errors.ValidationError(fmt.Sprintf("phase %s names an unknown api %q", phase, name))
			}
			p.phases[phase] = append(p.phases[phase], d)
		}
	}

	return p, nil
}

// IsAuthApi reports whether d is the configured login API
func (p *Parser) IsAuthApi(d *models.ApiDescriptor) bool {
	return d != nil && p.file.AuthAPI != "" && d.Name == p.file.AuthAPI
}

// GetAuthApiConfig returns the login API, if one is configured
func (p *Parser) GetAuthApiConfig() (*models.ApiDescriptor, bool) {
	if p.file.AuthAPI == "" {
		return nil, false
	}
	d, ok := p.byName[p.file.AuthAPI]
	return d, ok
}

// GetApisByPhase returns the descriptors to run in phase, in order. The
// slice is a copy, so callers may reorder or extend it.
func (p *Parser) GetApisByPhase(phase Phase) []*models.ApiDescriptor {
	return slices.Clone(p.phases[phase])
}

// GetApi returns the named descriptor
func (p *Parser) GetApi(name string) (*models.ApiDescriptor, error) {
	d, ok := p.byName[name]
	if !ok {
		return nil, errors.NotFoundError(fmt.Sprintf("api %s", name))
	}
	return d, nil
}

// Apis returns every declared descriptor in file order
func (p *Parser) Apis() []*models.ApiDescriptor {
	return lo.Map(p.file.APIs, func(_ models.ApiDescriptor, i int) *models.ApiDescriptor {
		return &p.file.APIs[i]
	})
}

// Parameters returns a copy of the file-level execution parameters
func (p *Parser) Parameters() map[string]string {
	return lo.Assign(map[string]string{}, p.file.Parameters)
}

// Dependencies returns a copy of the declared api -> dependsOn pairs
func (p *Parser) Dependencies() map[string]string {
	return lo.Assign(map[string]string{}, p.file.Dependencies)
}
