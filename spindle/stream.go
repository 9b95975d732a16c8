package spindle

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
	"tangled.sh/tangled.sh/loom/spindle/db"
	"tangled.sh/tangled.sh/loom/spindle/models"
)

const keepaliveInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams status events: everything after ?cursor= first, then
// live ones as they are stored.
func (s *Spindle) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")
	l.Info("received new connection")

	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid cursor"))
			return
		}
		cursor = c
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Info("upgraded http to wss")

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx := watchClose(r.Context(), conn)

	// complete backfill first before going to live data
	l.Info("going through backfill", "cursor", cursor)
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		// wait for new data or timeout
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			// we have been notified of new data
			l.Debug("going through live data", "cursor", cursor)
			if err := s.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(keepaliveInterval):
			// send a keep-alive
			l.Debug("sent keepalive")
			if err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

// streamEvents writes every event after cursor, in pages, and advances
// the cursor past them.
func (s *Spindle) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		evts, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}
		if len(evts) == 0 {
			return nil
		}

		for _, ev := range evts {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Id
		}
	}
}

// Logs streams the log file of one job, a JSON line per message. For a
// run still in progress the stream follows the file until the run ends.
func (s *Spindle) Logs(w http.ResponseWriter, r *http.Request) {
	runId := models.RunId(chi.URLParam(r, "run"))
	jobName := chi.URLParam(r, "job")
	l := s.l.With("handler", "Logs", "run", runId, "job", jobName)

	run, err := s.db.GetRun(runId)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		l.Error("failed to get run", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	path, err := securejoin.SecureJoin(s.cfg.Pipelines.LogDir, filepath.Join(runId.String(), jobName+".log"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	finished := run.Status.IsFinish() || run.Status == models.StatusKindSkipped
	if finished {
		if _, err := os.Stat(path); err != nil {
			writeError(w, http.StatusNotFound, errors.New("no logs for job"))
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	t, err := tail.TailFile(path, tail.Config{
		Follow:    !finished,
		MustExist: finished,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log", "error", err)
		return
	}
	defer func() {
		// the tailer blocks on unread lines
		go func() {
			for range t.Lines {
			}
		}()
		t.Stop()
		t.Cleanup()
	}()

	ctx := watchClose(r.Context(), conn)

	if !finished {
		// stop following once the run is over and the file is drained
		go func() {
			ch := s.n.Subscribe()
			defer s.n.Unsubscribe(ch)
			for {
				if run, err := s.db.GetRun(runId); err == nil && run.Status.IsFinish() {
					t.StopAtEOF()
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-ch:
				case <-time.After(keepaliveInterval):
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			if line.Err != nil {
				l.Error("failed to read log", "error", line.Err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				l.Error("failed to write log line", "error", err)
				return
			}
		}
	}
}

// watchClose returns a context cancelled once the client goes away.
func watchClose(parent context.Context, conn *websocket.Conn) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return ctx
}
