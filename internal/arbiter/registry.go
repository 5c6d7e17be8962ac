package arbiter

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Resource is one crisis support service inside a payload.
type Resource struct {
	Name         string `json:"name"`
	Contact      string `json:"contact"`
	Availability string `json:"availability,omitempty"`
}

// Payload is the fixed safety message for one region. The Message text is
// served verbatim; it is never paraphrased or passed through the generative
// backend.
type Payload struct {
	ID        string     `json:"id"`
	Region    string     `json:"region"`
	Message   string     `json:"message"`
	Resources []Resource `json:"resources"`
}

type registrySpec struct {
	Version       string    `json:"version"`
	DefaultRegion string    `json:"default_region"`
	Payloads      []Payload `json:"payloads"`
}

// PayloadRegistry resolves region codes to safety payloads. Resolution never
// fails: an unknown region falls back to the registry default, and a broken
// registry falls back to the built-in payload.
type PayloadRegistry struct {
	version       string
	defaultRegion string
	byRegion      map[string]Payload
}

// LoadPayloadRegistry reads a payload registry from a JSON file. Content
// problems are configuration errors and fail startup.
func LoadPayloadRegistry(path string) (*PayloadRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("arbiter: failed to read payload registry: %w", err)
	}
	var spec registrySpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("arbiter: failed to parse payload registry: %w", err)
	}
	return compileRegistry(spec)
}

// DefaultPayloadRegistry returns the built-in registry.
func DefaultPayloadRegistry() *PayloadRegistry {
	reg, err := compileRegistry(builtinRegistrySpec)
	if err != nil {
		panic(fmt.Sprintf("arbiter: builtin payload registry invalid: %v", err))
	}
	return reg
}

func compileRegistry(spec registrySpec) (*PayloadRegistry, error) {
	if len(spec.Payloads) == 0 {
		return nil, fmt.Errorf("arbiter: payload registry has no payloads")
	}
	byRegion := make(map[string]Payload, len(spec.Payloads))
	for _, p := range spec.Payloads {
		region := normalizeRegion(p.Region)
		if region == "" {
			return nil, fmt.Errorf("arbiter: payload %q has no region", p.ID)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("arbiter: payload for region %q has no id", p.Region)
		}
		if strings.TrimSpace(p.Message) == "" {
			return nil, fmt.Errorf("arbiter: payload %q has an empty message", p.ID)
		}
		if len(p.Resources) == 0 {
			return nil, fmt.Errorf("arbiter: payload %q lists no resources", p.ID)
		}
		if _, dup := byRegion[region]; dup {
			return nil, fmt.Errorf("arbiter: duplicate payload for region %q", region)
		}
		p.Region = region
		byRegion[region] = p
	}
	defaultRegion := normalizeRegion(spec.DefaultRegion)
	if defaultRegion == "" {
		return nil, fmt.Errorf("arbiter: payload registry has no default region")
	}
	if _, ok := byRegion[defaultRegion]; !ok {
		return nil, fmt.Errorf("arbiter: default region %q has no payload", spec.DefaultRegion)
	}
	return &PayloadRegistry{
		version:       spec.Version,
		defaultRegion: defaultRegion,
		byRegion:      byRegion,
	}, nil
}

// Version reports the registry content version.
func (r *PayloadRegistry) Version() string { return r.version }

// Resolve returns the payload for a region, falling back to the default
// region and then to the built-in payload. A caller always gets a usable
// payload back.
func (r *PayloadRegistry) Resolve(region string) Payload {
	if r != nil {
		if p, ok := r.byRegion[normalizeRegion(region)]; ok {
			return p
		}
		if p, ok := r.byRegion[r.defaultRegion]; ok {
			return p
		}
	}
	return builtinRegistrySpec.Payloads[0]
}

func normalizeRegion(region string) string {
	return strings.ToUpper(strings.TrimSpace(region))
}

// builtinRegistrySpec is the last-resort payload set. The AU entry mirrors
// the product's published crisis resources and must stay current with them.
var builtinRegistrySpec = registrySpec{
	Version:       "2026-02",
	DefaultRegion: "AU",
	Payloads: []Payload{
		{
			ID:     "au-crisis-v1",
			Region: "AU",
			Message: "I'm really concerned about your safety right now.\n\n" +
				"Please reach out for immediate help:\n" +
				"\U0001F4DE Lifeline: 13 11 14 (24/7)\n" +
				"\U0001F9D2 Kids Helpline: 1800 55 1800 (24/7)\n" +
				"\U0001F6A8 Emergency: 000\n\n" +
				"You matter and professional help is available right now. \U0001F499",
			Resources: []Resource{
				{Name: "Lifeline Australia", Contact: "13 11 14", Availability: "24/7"},
				{Name: "Kids Helpline", Contact: "1800 55 1800", Availability: "24/7, ages 5-25"},
				{Name: "Emergency Services", Contact: "000", Availability: "24/7"},
				{Name: "Beyond Blue", Contact: "1300 22 4636", Availability: "24/7"},
			},
		},
	},
}
