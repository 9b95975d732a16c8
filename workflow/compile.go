package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

type RawWorkflow struct {
	Name     string
	Contents []byte
}

type Compiler struct {
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

// ConfigError is a malformed declaration. Nothing runs when one is raised.
type ConfigError struct {
	Errors []Error
}

func (e *ConfigError) Error() string {
	if len(e.Errors) == 1 {
		return "config error: " + e.Errors[0].Path + ": " + e.Errors[0].Error.Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Path+": "+err.Error.Error())
	}
	return fmt.Sprintf("config error (%d problems): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the underlying errors to errors.Is.
func (e *ConfigError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		errs = append(errs, err.Error)
	}
	return errs
}

var (
	ErrNoSteps          = errors.New("job has no steps")
	ErrMissingAction    = errors.New("step needs exactly one of `uses` or `run`")
	ErrDuplicateStepId  = errors.New("duplicate step id")
	ErrUnknownShell     = errors.New("unknown shell")
	ErrNegativeTimeout  = errors.New("timeout-minutes must not be negative")
	ErrInvalidPattern   = errors.New("invalid branch pattern")
	ErrUnknownAxis      = errors.New("exclude references an unknown matrix axis")
	ErrInvalidActionRef = errors.New("invalid action reference")
)

type WarningKind string

var (
	WorkflowSkipped      WarningKind = "workflow skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
	Unsupported          WarningKind = "unsupported"
)

var shells = map[string]bool{
	"":     true,
	"sh":   true,
	"bash": true,
}

// Definition is a compiled workflow. It is never mutated once returned
// by Compile and may be shared by every job of a run.
type Definition struct {
	Name     string
	File     string
	Triggers Triggers
	Env      map[string]string
	Jobs     []JobSpec
}

type JobSpec struct {
	Id              string
	Name            string
	RunsOn          string
	Matrix          Matrix
	Env             map[string]string
	Timeout         time.Duration
	ContinueOnError bool
	Steps           []StepSpec
}

type StepSpec struct {
	Id               string
	Name             string
	Uses             *ActionRef
	Run              string
	With             map[string]string
	Env              map[string]string
	Shell            string
	WorkingDirectory string
	Timeout          time.Duration
	ContinueOnError  bool
}

// Key identifies the step within its job: its id, or its position.
func (s StepSpec) Key(idx int) string {
	if s.Id != "" {
		return s.Id
	}
	return fmt.Sprintf("%d", idx)
}

// DisplayName is the unresolved name used in reports.
func (s StepSpec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != nil {
		return "Run " + s.Uses.String()
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
	return "Run " + line
}

func (compiler *Compiler) Parse(raw RawWorkflow) (Workflow, bool) {
	wf, err := FromFile(raw.Name, raw.Contents)
	if err != nil {
		compiler.Diagnostics.AddError(raw.Name, err)
		return wf, false
	}
	return wf, true
}

// Compile validates a parsed workflow and converts it into a Definition.
// A nil Definition means Diagnostics holds at least one error.
func (compiler *Compiler) Compile(w Workflow) *Definition {
	before := len(compiler.Diagnostics.Errors)

	def := &Definition{
		Name: w.Name,
		File: w.File,
		Env:  w.Env,
	}

	def.Triggers = compiler.compileTriggers(w)
	compiler.analyzeTemplates(w.File+": env", mapValues(w.Env))

	if len(w.Jobs) == 0 {
		compiler.Diagnostics.AddError(w.File, ErrNoJobs)
	}

	seen := make(map[string]string)
	for _, j := range w.Jobs {
		id := NormalizeId(j.Id)
		if prev, ok := seen[id]; ok {
			compiler.Diagnostics.AddError(w.File+": jobs."+j.Id,
				fmt.Errorf("%w: %q and %q both become %s", ErrDuplicateJob, prev, j.Id, id))
		} else {
			seen[id] = j.Id
		}
		def.Jobs = append(def.Jobs, compiler.compileJob(w.File, j))
	}

	if len(compiler.Diagnostics.Errors) > before {
		return nil
	}
	return def
}

// Load parses and compiles a workflow file in one go.
func Load(name string, contents []byte) (*Definition, Diagnostics, error) {
	c := Compiler{}
	wf, ok := c.Parse(RawWorkflow{Name: name, Contents: contents})
	if !ok {
		return nil, c.Diagnostics, &ConfigError{Errors: c.Diagnostics.Errors}
	}

	def := c.Compile(wf)
	if def == nil {
		return nil, c.Diagnostics, &ConfigError{Errors: c.Diagnostics.Errors}
	}
	return def, c.Diagnostics, nil
}

func (compiler *Compiler) compileTriggers(w Workflow) Triggers {
	if len(w.On) == 0 {
		compiler.Diagnostics.AddError(w.File, ErrMissingOn)
		return nil
	}

	var triggers Triggers
	for _, t := range w.On {
		path := w.File + ": on." + t.Event
		kind := EventKind(t.Event)
		if !kind.IsValid() {
			compiler.Diagnostics.AddWarning(path, Unsupported, "event is not supported and will never fire")
			continue
		}

		for _, p := range append(append([]string{}, t.Branches...), t.BranchesIgnore...) {
			if !doublestar.ValidatePattern(p) {
				compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %q", ErrInvalidPattern, p))
			}
		}

		triggers = append(triggers, TriggerRule{
			Kind:           kind,
			Branches:       t.Branches,
			BranchesIgnore: t.BranchesIgnore,
		})
	}

	if len(triggers) == 0 {
		compiler.Diagnostics.AddWarning(w.File, WorkflowSkipped, "no supported triggers, workflow never runs")
	}

	return triggers
}

func (compiler *Compiler) compileJob(file string, j Job) JobSpec {
	path := file + ": jobs." + j.Id

	js := JobSpec{
		Id:              j.Id,
		Name:            j.Name,
		Matrix:          j.Strategy.Matrix,
		Env:             j.Env,
		ContinueOnError: j.ContinueOnError,
		Timeout:         compiler.timeout(path, j.TimeoutMinutes),
	}
	if js.Name == "" {
		js.Name = j.Id
	}
	if len(j.RunsOn) > 0 {
		js.RunsOn = j.RunsOn[0]
	}

	compiler.analyzeJob(path, j)
	compiler.analyzeMatrix(path, j.Strategy.Matrix)
	compiler.analyzeTemplates(path+".name", []string{j.Name})
	compiler.analyzeTemplates(path+".env", mapValues(j.Env))

	if len(j.Steps) == 0 {
		compiler.Diagnostics.AddError(path, ErrNoSteps)
	}

	ids := make(map[string]struct{})
	for i, s := range j.Steps {
		spath := fmt.Sprintf("%s.steps[%d]", path, i)

		if s.Id != "" {
			if _, ok := ids[s.Id]; ok {
				compiler.Diagnostics.AddError(spath, fmt.Errorf("%w: %s", ErrDuplicateStepId, s.Id))
			}
			ids[s.Id] = struct{}{}
		}

		js.Steps = append(js.Steps, compiler.compileStep(spath, s))
	}

	return js
}

func (compiler *Compiler) compileStep(path string, s Step) StepSpec {
	ss := StepSpec{
		Id:               s.Id,
		Name:             s.Name,
		Run:              s.Run,
		With:             s.With,
		Env:              s.Env,
		Shell:            s.Shell,
		WorkingDirectory: s.WorkingDirectory,
		ContinueOnError:  s.ContinueOnError,
		Timeout:          compiler.timeout(path, s.TimeoutMinutes),
	}

	if s.IsAction() == (s.Run != "") {
		compiler.Diagnostics.AddError(path, ErrMissingAction)
	}

	if s.IsAction() {
		ref, err := ParseActionRef(s.Uses)
		if err != nil {
			compiler.Diagnostics.AddError(path+".uses", err)
		} else {
			ss.Uses = &ref
		}
		if s.Shell != "" {
			compiler.Diagnostics.AddWarning(path, InvalidConfiguration, "`shell` has no effect on `uses` steps")
		}
	}

	if s.Run != "" && len(s.With) > 0 {
		compiler.Diagnostics.AddWarning(path, InvalidConfiguration, "`with` has no effect on `run` steps")
	}

	if !shells[s.Shell] {
		compiler.Diagnostics.AddError(path+".shell", fmt.Errorf("%w: %s", ErrUnknownShell, s.Shell))
	}

	if s.If != "" {
		compiler.Diagnostics.AddWarning(path+".if", Unsupported, "conditions are ignored, the step always runs")
	}

	compiler.analyzeTemplates(path+".name", []string{s.Name})
	compiler.analyzeTemplates(path+".run", []string{s.Run})
	compiler.analyzeTemplates(path+".working-directory", []string{s.WorkingDirectory})
	compiler.analyzeTemplates(path+".with", mapValues(s.With))
	compiler.analyzeTemplates(path+".env", mapValues(s.Env))

	return ss
}

func (compiler *Compiler) analyzeJob(path string, j Job) {
	if len(j.Needs) > 0 {
		compiler.Diagnostics.AddWarning(path+".needs", Unsupported, "jobs always run independently")
	}
	if j.If != "" {
		compiler.Diagnostics.AddWarning(path+".if", Unsupported, "conditions are ignored, the job always runs")
	}
	if j.Strategy.FailFast != nil && *j.Strategy.FailFast {
		compiler.Diagnostics.AddWarning(path+".strategy.fail-fast", Unsupported, "a failing variant never cancels its siblings")
	}
	if j.Strategy.MaxParallel != 0 {
		compiler.Diagnostics.AddWarning(path+".strategy.max-parallel", Unsupported, "use the run-wide concurrency limit instead")
	}
}

func (compiler *Compiler) analyzeMatrix(path string, m Matrix) {
	for _, a := range m.Axes {
		if len(a.Values) == 0 {
			compiler.Diagnostics.AddError(path+".strategy.matrix."+a.Name, ErrEmptyAxis)
		}
	}

	for _, ex := range m.Exclude {
		for k := range ex {
			if _, ok := m.axis(k); !ok {
				compiler.Diagnostics.AddError(path+".strategy.matrix.exclude", fmt.Errorf("%w: %s", ErrUnknownAxis, k))
			}
		}
	}

	for _, k := range m.Ignored {
		compiler.Diagnostics.AddWarning(path+".strategy.matrix."+k, Unsupported, "key is ignored")
	}

	if _, err := m.Expand(); errors.Is(err, ErrEmptyMatrix) {
		compiler.Diagnostics.AddError(path+".strategy.matrix.exclude", ErrEmptyMatrix)
	}
}

func (compiler *Compiler) analyzeTemplates(path string, templates []string) {
	for _, t := range templates {
		if _, err := References(t); err != nil {
			compiler.Diagnostics.AddError(path, err)
		}
	}
}

func (compiler *Compiler) timeout(path string, minutes float64) time.Duration {
	if minutes < 0 {
		compiler.Diagnostics.AddError(path+".timeout-minutes", ErrNegativeTimeout)
		return 0
	}
	return time.Duration(minutes * float64(time.Minute))
}

func mapValues(m map[string]string) []string {
	vs := make([]string, 0, len(m))
	for _, v := range m {
		vs = append(vs, v)
	}
	return vs
}
