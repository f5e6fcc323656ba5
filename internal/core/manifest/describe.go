package manifest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrEmptyInput is returned when the manifest has no content.
	ErrEmptyInput = errors.New("empty manifest")

	// ErrInvalidYAML is returned when the manifest is not valid YAML.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrInvalidCompose is returned when compose-go rejects the manifest.
	ErrInvalidCompose = errors.New("invalid compose manifest")
)

// =============================================================================
// Summary Types
// =============================================================================

// Summary is a structured view of a manifest used for responses and logs.
type Summary struct {
	Services []Service `json:"services"`
}

// Service describes one compose service.
type Service struct {
	Name          string   `json:"name"`
	Image         string   `json:"image,omitempty"`
	ContainerName string   `json:"container_name,omitempty"`
	BuildContext  string   `json:"build_context,omitempty"`
	Dockerfile    string   `json:"dockerfile,omitempty"`
	Ports         []string `json:"ports,omitempty"`
}

// =============================================================================
// Describe
// =============================================================================

// Describe parses the manifest with compose-go and returns its services
// sorted by name. Interpolation is skipped: webtop manifests may reference
// variables that only exist on the deploy host.
func Describe(raw []byte) (*Summary, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return nil, ErrEmptyInput
	}

	var dict map[string]interface{}
	if err := yaml.Unmarshal(raw, &dict); err != nil || dict == nil {
		return nil, ErrInvalidYAML
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: raw,
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("webtop-inspect", false)
		opts.SkipInterpolation = true
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.SkipConsistencyCheck = true
		opts.SkipResolveEnvironment = true
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidCompose, err)
	}

	summary := &Summary{Services: make([]Service, 0, len(project.Services))}
	for _, svc := range project.Services {
		summary.Services = append(summary.Services, convertService(svc))
	}
	sort.Slice(summary.Services, func(i, j int) bool {
		return summary.Services[i].Name < summary.Services[j].Name
	})
	return summary, nil
}

// convertService converts a compose-go service to our Service type
func convertService(svc types.ServiceConfig) Service {
	service := Service{
		Name:          svc.Name,
		Image:         svc.Image,
		ContainerName: svc.ContainerName,
	}
	if svc.Build != nil {
		service.BuildContext = svc.Build.Context
		service.Dockerfile = svc.Build.Dockerfile
	}
	for _, p := range svc.Ports {
		mapping := strconv.FormatUint(uint64(p.Target), 10)
		if p.Published != "" {
			mapping = p.Published + ":" + mapping
		}
		if p.Protocol != "" && p.Protocol != "tcp" {
			mapping += "/" + p.Protocol
		}
		service.Ports = append(service.Ports, mapping)
	}
	return service
}
