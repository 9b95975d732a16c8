package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"tangled.sh/tangled.sh/loom/notifier"
	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

var ErrRunNotFound = errors.New("run not found")

type Run struct {
	Id         models.RunId      `json:"id"`
	Workflow   string            `json:"workflow"`
	Event      workflow.Event    `json:"event"`
	Status     models.StatusKind `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`

	// only once finished
	Result *models.WorkflowResult `json:"result,omitempty"`
}

// CreateRun records a run that is queued but not started yet.
func (d *DB) CreateRun(id models.RunId, wf string, ev workflow.Event, n *notifier.Notifier) error {
	eventJson, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = d.Exec(`
		insert into runs (id, workflow, event, status, created)
		values (?, ?, ?, ?, ?)
	`, id, wf, string(eventJson), models.StatusKindPending, time.Now().UnixNano())
	if err != nil {
		return err
	}

	return d.statusRun(RunStatus{Run: id, Workflow: wf, Status: models.StatusKindPending}, n)
}

// StartRun marks a run running, creating it if it was never queued.
func (d *DB) StartRun(id models.RunId, wf string, ev workflow.Event, n *notifier.Notifier) error {
	eventJson, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	now := time.Now().UnixNano()
	_, err = d.Exec(`
		insert into runs (id, workflow, event, status, created, started)
		values (?, ?, ?, ?, ?, ?)
		on conflict(id) do update set
			status = excluded.status,
			started = excluded.started
	`, id, wf, string(eventJson), models.StatusKindRunning, now, now)
	if err != nil {
		return err
	}

	return d.statusRun(RunStatus{Run: id, Workflow: wf, Status: models.StatusKindRunning}, n)
}

// FinishRun stores the final result of a run.
func (d *DB) FinishRun(res *models.WorkflowResult, n *notifier.Notifier) error {
	eventJson, err := json.Marshal(res.Event)
	if err != nil {
		return err
	}
	resultJson, err := json.Marshal(res)
	if err != nil {
		return err
	}

	_, err = d.Exec(`
		insert into runs (id, workflow, event, status, reason, result, created, started, finished)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(id) do update set
			status = excluded.status,
			reason = excluded.reason,
			result = excluded.result,
			started = case when runs.started = 0 then excluded.started else runs.started end,
			finished = excluded.finished
	`,
		res.RunId,
		res.Workflow,
		string(eventJson),
		res.Outcome,
		res.Reason,
		string(resultJson),
		res.StartedAt.UnixNano(),
		res.StartedAt.UnixNano(),
		res.FinishedAt.UnixNano(),
	)
	if err != nil {
		return err
	}

	return d.statusRun(RunStatus{
		Run:      res.RunId,
		Workflow: res.Workflow,
		Status:   res.Outcome,
		Reason:   res.Reason,
	}, n)
}

// CancelStaleRuns marks runs left pending or running by a previous
// process as cancelled.
func (d *DB) CancelStaleRuns(n *notifier.Notifier) (int64, error) {
	r, err := d.Exec(`
		update runs
		set status = ?, reason = ?, finished = ?
		where status in (?, ?)
	`, models.StatusKindCancelled, models.ReasonCancelled, time.Now().UnixNano(),
		models.StatusKindPending, models.StatusKindRunning)
	if err != nil {
		return 0, err
	}

	count, err := r.RowsAffected()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		n.NotifyAll()
	}
	return count, nil
}

const runColumns = `id, workflow, event, status, reason, result, created, started, finished`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r                          Run
		eventJson, resultJson      string
		created, started, finished int64
	)
	err := s.Scan(&r.Id, &r.Workflow, &eventJson, &r.Status, &r.Reason, &resultJson, &created, &started, &finished)
	if err != nil {
		return r, err
	}

	if err := json.Unmarshal([]byte(eventJson), &r.Event); err != nil {
		return r, err
	}
	if resultJson != "" {
		r.Result = &models.WorkflowResult{}
		if err := json.Unmarshal([]byte(resultJson), r.Result); err != nil {
			return r, err
		}
	}

	r.CreatedAt = fromNanos(created)
	r.StartedAt = fromNanos(started)
	r.FinishedAt = fromNanos(finished)
	return r, nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (d *DB) GetRun(id models.RunId) (Run, error) {
	r, err := scanRun(d.QueryRow(`select `+runColumns+` from runs where id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrRunNotFound
	}
	return r, err
}

// GetRuns lists the latest runs first. An empty workflow lists all.
func (d *DB) GetRuns(wf string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `select ` + runColumns + ` from runs`
	args := []any{}
	if wf != "" {
		query += ` where workflow = ?`
		args = append(args, wf)
	}
	query += ` order by created desc, rowid desc limit ?`
	args = append(args, limit)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}
