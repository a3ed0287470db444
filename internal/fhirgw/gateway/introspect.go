package gateway

import "sort"

// opSummary describes one registered (resourceType, operation) pair for
// the machine-readable operation catalog the GET /status route exposes.
type opSummary struct {
	ResourceType string   `json:"resource_type"`
	Operation    string   `json:"operation"`
	Endpoint     string   `json:"endpoint"`
	Method       string   `json:"method"`
	Parameters   []string `json:"parameters"`
}

// list returns every registered (resourceType, operation) pair, sorted for
// deterministic output.
func (r *Registry) list() []opSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []opSummary
	for resourceType, ops := range r.byType {
		for op := range ops {
			out = append(out, describeOp(resourceType, op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceType != out[j].ResourceType {
			return out[i].ResourceType < out[j].ResourceType
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

func describeOp(resourceType, op string) opSummary {
	switch op {
	case opTransform:
		return opSummary{
			ResourceType: resourceType, Operation: op,
			Endpoint: "/transform/" + resourceType + "/{id}", Method: "GET",
			Parameters: []string{"id", "source"},
		}
	case opAggregate:
		return opSummary{
			ResourceType: resourceType, Operation: op,
			Endpoint: "/aggregate/" + resourceType, Method: "GET",
			Parameters: []string{"id", "sources"},
		}
	case opPredict:
		return opSummary{
			ResourceType: resourceType, Operation: op,
			Endpoint: "/predict/" + resourceType + "/{id}", Method: "GET",
			Parameters: []string{"id"},
		}
	default:
		return opSummary{ResourceType: resourceType, Operation: op}
	}
}
