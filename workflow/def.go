package workflow

import (
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

var idChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// NormalizeId is the form of an id used in directory and file names.
// Two jobs whose ids normalize alike cannot run side by side.
func NormalizeId(id string) string {
	return idChars.ReplaceAllString(id, "-")
}

// - a push or pull request produces an Event
// - a workflow file declares which events it reacts to ("on")
// - each job of the workflow fans out over its matrix, one run per variant
// - variants execute in parallel, the steps of one variant execute serially

type (
	// this is simply a structural representation of the workflow file
	Workflow struct {
		File string            `yaml:"-"` // path of the workflow file
		Name string            `yaml:"name"`
		On   On                `yaml:"on"`
		Env  map[string]string `yaml:"env"`
		Jobs Jobs              `yaml:"jobs"`
	}

	On []Trigger

	Trigger struct {
		Event          string     `yaml:"-"`
		Branches       StringList `yaml:"branches"`
		BranchesIgnore StringList `yaml:"branches-ignore"`
	}

	Jobs []Job

	Job struct {
		Id              string            `yaml:"-"`
		Name            string            `yaml:"name"`
		RunsOn          StringList        `yaml:"runs-on"`
		Strategy        Strategy          `yaml:"strategy"`
		Env             map[string]string `yaml:"env"`
		TimeoutMinutes  float64           `yaml:"timeout-minutes"`
		ContinueOnError bool              `yaml:"continue-on-error"`
		Needs           StringList        `yaml:"needs"`
		If              string            `yaml:"if"`
		Steps           []Step            `yaml:"steps"`
	}

	Strategy struct {
		Matrix      Matrix `yaml:"matrix"`
		FailFast    *bool  `yaml:"fail-fast"`
		MaxParallel int    `yaml:"max-parallel"`
	}

	Step struct {
		Id               string            `yaml:"id"`
		Name             string            `yaml:"name"`
		Uses             string            `yaml:"uses"`
		Run              string            `yaml:"run"`
		With             map[string]string `yaml:"with"`
		Env              map[string]string `yaml:"env"`
		Shell            string            `yaml:"shell"`
		WorkingDirectory string            `yaml:"working-directory"`
		TimeoutMinutes   float64           `yaml:"timeout-minutes"`
		ContinueOnError  bool              `yaml:"continue-on-error"`
		If               string            `yaml:"if"`
	}

	StringList []string
)

var (
	ErrDuplicateJob = errors.New("duplicate job name")
	ErrMissingOn    = errors.New("missing `on`")
	ErrNoJobs       = errors.New("no jobs declared")
)

func FromFile(name string, contents []byte) (Workflow, error) {
	var wf Workflow

	err := yaml.Unmarshal(contents, &wf)
	if err != nil {
		return wf, err
	}

	wf.File = name
	if wf.Name == "" {
		wf.Name = name
	}

	return wf, nil
}

// `on` accepts a single event, a list of events or a mapping of event to
// filters.
func (o *On) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*o = On{{Event: node.Value}}
		return nil

	case yaml.SequenceNode:
		var events []string
		if err := node.Decode(&events); err != nil {
			return err
		}
		triggers := make(On, 0, len(events))
		for _, e := range events {
			triggers = append(triggers, Trigger{Event: e})
		}
		*o = triggers
		return nil

	case yaml.MappingNode:
		triggers := make(On, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			t := Trigger{}
			value := node.Content[i+1]
			// `push:` with no filters decodes as null
			if value.Kind == yaml.MappingNode {
				if err := value.Decode(&t); err != nil {
					return fmt.Errorf("on.%s: %w", node.Content[i].Value, err)
				}
			}
			t.Event = node.Content[i].Value
			triggers = append(triggers, t)
		}
		*o = triggers
		return nil
	}

	return fmt.Errorf("line %d: cannot unmarshal `on`", node.Line)
}

// jobs are a mapping; keep declaration order so that runs are numbered
// the same way every time.
func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: `jobs` must be a mapping", node.Line)
	}

	seen := make(map[string]struct{})
	jobs := make(Jobs, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		if _, ok := seen[id]; ok {
			return fmt.Errorf("line %d: %w: %s", node.Content[i].Line, ErrDuplicateJob, id)
		}
		seen[id] = struct{}{}

		var job Job
		if err := node.Content[i+1].Decode(&job); err != nil {
			return fmt.Errorf("jobs.%s: %w", id, err)
		}
		job.Id = id
		jobs = append(jobs, job)
	}

	*j = jobs
	return nil
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}

func (s Step) IsAction() bool {
	return s.Uses != ""
}
