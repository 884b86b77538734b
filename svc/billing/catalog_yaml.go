package billing

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type yamlSource struct {
	path string
}

// NewYAMLSource reads plans from a YAML file of the form:
//
//	plans:
//	  - ref: pro_monthly
//	    name: Pro
//	    price_ref: price_1Pro
//	    price: {amount: 2900, currency: usd}
//	    interval: monthly
//	    public: true
//	    features: [mock_interviews, solutions]
func NewYAMLSource(path string) PlansSource {
	return &yamlSource{path: path}
}

type yamlCatalog struct {
	Plans []Plan `yaml:"plans"`
}

func (s *yamlSource) Load(context.Context) (map[string]Plan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return parsePlansYAML(raw)
}

func parsePlansYAML(raw []byte) (map[string]Plan, error) {
	var doc yamlCatalog
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	plans := make(map[string]Plan, len(doc.Plans))
	for _, p := range doc.Plans {
		if _, dup := plans[p.Ref]; dup {
			return nil, fmt.Errorf("%w: duplicate plan ref %q", ErrInvalidCatalog, p.Ref)
		}
		plans[p.Ref] = p
	}
	return plans, nil
}
