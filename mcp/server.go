package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/zhubert/agent-browser/logger"
)

// Server runs the JSON-RPC loop over a pair of streams, normally the
// process's stdin and stdout.
type Server struct {
	reader     io.Reader
	writer     io.Writer
	dispatcher *Dispatcher
	log        *slog.Logger
}

// NewServer creates a stream server. Nothing other than responses is ever
// written to w.
func NewServer(r io.Reader, w io.Writer, d *Dispatcher) *Server {
	return &Server{
		reader:     r,
		writer:     w,
		dispatcher: d,
		log:        logger.WithComponent("mcp-stdio"),
	}
}

// Run serves requests until end of input, a read or write failure, or ctx is
// cancelled. End of input returns nil.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("server starting")
	err := serveLines(ctx, s.reader, s.writer, s.dispatcher, s.log)
	if err != nil {
		s.log.Error("server stopped", "error", err)
		return err
	}
	s.log.Info("EOF received, shutting down")
	return nil
}

type readResult struct {
	line string
	err  error
}

// serveLines is the read-dispatch-write loop shared by every transport.
// Requests on one stream are answered in order, one response line each.
func serveLines(ctx context.Context, r io.Reader, w io.Writer, d *Dispatcher, log *slog.Logger) error {
	// Requests are cancelled if the peer goes away mid-call.
	reqCtx, cancelReqs := context.WithCancel(ctx)
	defer cancelReqs()

	done := make(chan struct{})
	defer close(done)

	lines := make(chan readResult)
	go readLines(bufio.NewReader(r), lines, done, cancelReqs)

	bw := bufio.NewWriter(w)
	for {
		var rr readResult
		select {
		case rr = <-lines:
		case <-ctx.Done():
			return ctx.Err()
		}

		if line := strings.TrimSpace(rr.line); line != "" {
			log.Debug("received message", "line", line)
			resp := handleLine(reqCtx, d, log, line)
			if err := writeResponse(bw, resp); err != nil {
				return err
			}
		}

		if errors.Is(rr.err, io.EOF) {
			return nil
		}
		if rr.err != nil {
			return rr.err
		}
	}
}

// readLines feeds lines to out until the reader fails. A non-EOF failure
// cancels in-flight requests before it is reported.
func readLines(r *bufio.Reader, out chan<- readResult, done <-chan struct{}, cancel context.CancelFunc) {
	for {
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			cancel()
		}
		select {
		case out <- readResult{line: line, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handleLine parses one line and dispatches it. A line that is not a
// request produces a parse error response with a null id.
func handleLine(ctx context.Context, d *Dispatcher, log *slog.Logger, line string) *Response {
	req, err := ParseRequest([]byte(line))
	if err != nil {
		log.Warn("JSON parse error", "error", err)
		return NewError(nil, CodeParseError, "Parse error: "+err.Error())
	}
	return d.Dispatch(ctx, req)
}

func writeResponse(w *bufio.Writer, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		// Only reachable with an unencodable result; answer with the id intact.
		data, err = json.Marshal(NewError(resp.ID, CodeToolError, "failed to encode result: "+err.Error()))
		if err != nil {
			return err
		}
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	return w.Flush()
}
