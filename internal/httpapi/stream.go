package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/runs"
	"github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// startRun applies the rate limit and starts the run for the request.
func (s *Server) startRun(ctx context.Context, r *http.Request) (*runs.LineStream, error) {
	pid, err := pathID(r, "pid")
	if err != nil {
		return nil, err
	}
	ep, err := entryPointParam(r)
	if err != nil {
		return nil, err
	}
	return s.be.RunNow(ctx, pid, ep)
}

func (s *Server) tooMany(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "run rate exceeded"})
}

// exitLine is the trailer of a chunked run stream.
func exitLine(res runs.Result) string {
	if res.Err == nil {
		return "[exit] ok"
	}
	msg := res.Err.Error()
	if ee, ok := errdefs.AsExecution(res.Err); ok {
		msg = ee.Error()
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return "[exit] error: " + msg
}

// runChunked streams output as text/plain, one line per output line, and
// ends with an [exit] trailer. A client disconnect cancels the run.
func (s *Server) runChunked(w http.ResponseWriter, r *http.Request) {
	if !s.allowRun() {
		s.tooMany(w)
		return
	}
	ctx := r.Context()
	st, err := s.startRun(ctx, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer st.Cancel()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Run-Id", st.ID())
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for {
		l, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.log.Debug("run stream abandoned", logx.String("run_id", st.ID()), logx.Err(err))
			return
		}
		if _, err := fmt.Fprintln(w, l.Text); err != nil {
			return
		}
		_ = rc.Flush()
	}
	_, _ = fmt.Fprintln(w, exitLine(st.Result()))
	_ = rc.Flush()
}

type wsFrame struct {
	Line  *string `json:"line,omitempty"`
	Trace bool    `json:"trace,omitempty"`
	End   bool    `json:"end,omitempty"`
	RunID string  `json:"run_id,omitempty"`
	Error string  `json:"error,omitempty"`
}

// runWebsocket streams the same lines as JSON frames. Closing the socket
// cancels the run.
func (s *Server) runWebsocket(w http.ResponseWriter, r *http.Request) {
	if !s.allowRun() {
		s.tooMany(w)
		return
	}
	// validate before upgrading so errors still get a status code
	if _, err := pathID(r, "pid"); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := entryPointParam(r); err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	st, err := s.startRun(ctx, r)
	if err != nil {
		_ = s.writeFrame(conn, wsFrame{End: true, Error: err.Error()})
		return
	}
	defer st.Cancel()

	// the read side only exists to notice the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		l, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return
		}
		text := l.Text
		if err := s.writeFrame(conn, wsFrame{Line: &text, Trace: l.Trace}); err != nil {
			return
		}
	}
	res := st.Result()
	end := wsFrame{End: true, RunID: st.ID()}
	if res.Err != nil {
		end.Error = strings.TrimPrefix(exitLine(res), "[exit] error: ")
	}
	if err := s.writeFrame(conn, end); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}

func (s *Server) writeFrame(conn *websocket.Conn, f wsFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(f)
}
