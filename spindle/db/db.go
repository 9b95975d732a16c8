package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
		"_busy_timeout=5000",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			workflow text not null,
			event text not null, -- json
			status text not null,
			reason text not null default '',
			result text not null default '', -- json, once finished

			-- unix nanos, 0 when unset
			created integer not null,
			started integer not null default 0,
			finished integer not null default 0
		);

		create index if not exists runs_created on runs (created);

		-- status changes of runs and jobs, streamed to /events
		create table if not exists events (
			id integer primary key autoincrement,
			run text not null,
			kind text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
