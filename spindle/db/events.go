package db

import (
	"encoding/json"
	"time"

	"tangled.sh/tangled.sh/loom/notifier"
	"tangled.sh/tangled.sh/loom/spindle/models"
)

type EventKind string

const (
	EventRunStatus EventKind = "run.status"
	EventJobStatus EventKind = "job.status"
)

type Event struct {
	Id        int64           `json:"id"`
	Run       models.RunId    `json:"run"`
	Kind      EventKind       `json:"kind"`
	Created   int64           `json:"created"`
	EventJson json.RawMessage `json:"event"`
}

// RunStatus is the payload of run.status events.
type RunStatus struct {
	Run      models.RunId      `json:"run"`
	Workflow string            `json:"workflow"`
	Status   models.StatusKind `json:"status"`
	Reason   string            `json:"reason,omitempty"`
}

// JobStatus is the payload of job.status events.
type JobStatus struct {
	Run    models.RunId      `json:"run"`
	Job    string            `json:"job"`
	Name   string            `json:"name"`
	Status models.StatusKind `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

func (d *DB) insertEvent(run models.RunId, kind EventKind, payload any, n *notifier.Notifier) error {
	eventJson, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = d.Exec(
		`insert into events (run, kind, event, created) values (?, ?, ?, ?)`,
		run,
		kind,
		string(eventJson),
		time.Now().UnixNano(),
	)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

func (d *DB) StatusJob(s JobStatus, n *notifier.Notifier) error {
	return d.insertEvent(s.Run, EventJobStatus, s, n)
}

func (d *DB) statusRun(s RunStatus, n *notifier.Notifier) error {
	return d.insertEvent(s.Run, EventRunStatus, s, n)
}

// GetEvents returns up to 100 events after cursor, oldest first.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	rows, err := d.Query(`
		select id, run, kind, event, created
		from events
		where id > ?
		order by id asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		var eventJson string
		if err := rows.Scan(&ev.Id, &ev.Run, &ev.Kind, &eventJson, &ev.Created); err != nil {
			return nil, err
		}
		ev.EventJson = json.RawMessage(eventJson)
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}
