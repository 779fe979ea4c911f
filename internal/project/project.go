package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"localsched/internal/domain"
)

var ErrFunctionsNotMapping = errors.New("functions must be a mapping")

type document struct {
	Provider struct {
		Environment map[string]string `yaml:"environment"`
	} `yaml:"provider"`
	Functions yaml.Node `yaml:"functions"`
	Custom    struct {
		StageVariables any `yaml:"stageVariables"`
		Offline        struct {
			Location string `yaml:"location"`
		} `yaml:"serverless-offline"`
	} `yaml:"custom"`
}

type functionDoc struct {
	Handler     string                 `yaml:"handler"`
	Events      []map[string]yaml.Node `yaml:"events"`
	Environment map[string]string      `yaml:"environment"`
}

// Project is a parsed serverless project file. Functions keep document order.
type Project struct {
	Path        string
	ServicePath string

	functions      []domain.Function
	index          map[string]int
	providerEnv    map[string]string
	stageVariables any
	location       string
}

func Load(path string) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	p, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}
	p.Path = abs
	p.ServicePath = filepath.Dir(abs)
	return p, nil
}

func Parse(data []byte) (*Project, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	p := &Project{
		index:          map[string]int{},
		providerEnv:    doc.Provider.Environment,
		stageVariables: doc.Custom.StageVariables,
		location:       doc.Custom.Offline.Location,
	}

	fns := doc.Functions
	if fns.Kind == 0 {
		return p, nil
	}
	if fns.Kind != yaml.MappingNode {
		return nil, ErrFunctionsNotMapping
	}
	for i := 0; i+1 < len(fns.Content); i += 2 {
		id := fns.Content[i].Value
		var fd functionDoc
		if err := fns.Content[i+1].Decode(&fd); err != nil {
			return nil, fmt.Errorf("function %s: %w", id, err)
		}
		fn := domain.Function{ID: id, Handler: fd.Handler, Environment: fd.Environment}
		for _, ev := range fd.Events {
			node, ok := ev["schedule"]
			if !ok {
				fn.Events = append(fn.Events, domain.Event{})
				continue
			}
			expr := decodeSchedule(&node)
			fn.Events = append(fn.Events, domain.Event{Schedule: &expr})
		}
		p.index[id] = len(p.functions)
		p.functions = append(p.functions, fn)
	}
	return p, nil
}

// decodeSchedule accepts `schedule: rate(1 minute)` and `schedule: {rate: ...}`.
// Anything else decodes to an expression the normalizer rejects.
func decodeSchedule(node *yaml.Node) domain.ScheduleExpression {
	switch node.Kind {
	case yaml.ScalarNode:
		return domain.ScheduleExpression{Raw: node.Value}
	case yaml.MappingNode:
		var obj struct {
			Rate string `yaml:"rate"`
		}
		expr := domain.ScheduleExpression{IsObject: true, Raw: flowText(node)}
		if err := node.Decode(&obj); err == nil {
			expr.Rate = obj.Rate
		}
		return expr
	}
	return domain.ScheduleExpression{Raw: node.Value}
}

// flowText renders a node on one line, for log messages.
func flowText(node *yaml.Node) string {
	n := *node
	n.Style = yaml.FlowStyle
	b, err := yaml.Marshal(&n)
	if err != nil {
		return node.Value
	}
	return strings.TrimSpace(string(b))
}

func (p *Project) Functions() []domain.Function { return p.functions }

func (p *Project) Function(id string) (domain.Function, bool) {
	i, ok := p.index[id]
	if !ok {
		return domain.Function{}, false
	}
	return p.functions[i], true
}

func (p *Project) ProviderEnvironment() map[string]string { return p.providerEnv }

func (p *Project) StageVariables() any { return p.stageVariables }

// Location is the offline plugin's build directory relative to ServicePath.
func (p *Project) Location() string { return p.location }
