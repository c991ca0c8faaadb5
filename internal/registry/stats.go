package registry

import "github.com/tributary-ai/llm-endpoint-router/internal/types"

// Stats is the aggregate view served to operators
type Stats struct {
	Total        int                        `json:"total"`
	Enabled      int                        `json:"enabled"`
	Healthy      int                        `json:"healthy"`
	Available    int                        `json:"available"`
	ByType       map[types.ProviderType]int `json:"by_type"`
	ByCapability map[types.Capability]int   `json:"by_capability"`
	ByStatus     map[Status]int             `json:"by_status"`
}

// Stats counts providers by state, type and capability
func (r *Registry) Stats() Stats {
	s := Stats{
		ByType:       make(map[types.ProviderType]int),
		ByCapability: make(map[types.Capability]int),
		ByStatus:     make(map[Status]int),
	}

	for _, p := range r.ListAll() {
		s.Total++
		if p.Enabled {
			s.Enabled++
		}
		if p.IsHealthy() {
			s.Healthy++
		}
		if p.IsAvailable() {
			s.Available++
		}
		s.ByType[p.Type]++
		s.ByStatus[p.Status]++
		for _, c := range p.Capabilities {
			s.ByCapability[c]++
		}
	}
	return s
}
