package models

import (
	"fmt"

	"github.com/google/uuid"
	"tangled.sh/tangled.sh/loom/workflow"
)

type RunId string

func NewRunId() RunId {
	return RunId(uuid.NewString())
}

func (r RunId) String() string {
	return string(r)
}

// JobId identifies one variant of one job within a run.
type JobId struct {
	Run     RunId
	Job     string
	Variant int
}

func (jid JobId) String() string {
	return fmt.Sprintf("%s-%s-%d", normalize(jid.Run.String()), normalize(jid.Job), jid.Variant)
}

// Name is the run-local part of the id, e.g. "build-0".
func (jid JobId) Name() string {
	return fmt.Sprintf("%s-%d", normalize(jid.Job), jid.Variant)
}

func normalize(name string) string {
	return workflow.NormalizeId(name)
}
