package workflow

import (
	"maps"
	"slices"
)

// CheckJob verifies, before anything runs, that every template of the job
// resolves against c. References to step outputs cannot be checked by
// value; they must name a step declared earlier in the job.
//
// c must already carry the job's env.
func (c *Context) CheckJob(job *JobSpec) error {
	earlier := make(map[string]struct{}, len(job.Steps))

	for i, s := range job.Steps {
		// step env is resolved first, against the job env only
		for _, k := range sortedKeys(s.Env) {
			if err := c.checkTemplate(s.Env[k], earlier, nil); err != nil {
				return err
			}
		}

		tpls := []string{s.Name, s.Run, s.WorkingDirectory}
		for _, k := range sortedKeys(s.With) {
			tpls = append(tpls, s.With[k])
		}
		for _, tpl := range tpls {
			if err := c.checkTemplate(tpl, earlier, s.Env); err != nil {
				return err
			}
		}

		earlier[s.Key(i)] = struct{}{}
	}

	return nil
}

func (c *Context) checkTemplate(tpl string, earlier map[string]struct{}, stepEnv map[string]string) error {
	refs, err := References(tpl)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		switch ref.Scope {
		case ScopeSteps:
			if _, ok := earlier[ref.Path[0]]; !ok {
				return &UnresolvedVariableError{Key: ref.String()}
			}
			continue
		case ScopeEnv:
			if _, ok := stepEnv[ref.Path[0]]; ok {
				continue
			}
		}

		if _, err := c.Lookup(ref); err != nil {
			return err
		}
	}

	return nil
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
