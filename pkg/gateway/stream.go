package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/types"
)

// serveStream bridges streaming methods: server streams become SSE, client
// and bidi streams become a WebSocket exchanging JSON frames.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, spec *types.MethodSpec, env *types.Envelope) {
	if spec.CallKind == types.CallServerStream && !websocket.IsWebSocketUpgrade(r) {
		s.serveSSE(w, r, env)
		return
	}
	s.serveWebSocket(w, r, env)
}

// serveSSE pumps a server stream as text/event-stream
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, env *types.Envelope) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, env, time.Now(), errdefs.New(errdefs.KindInternal, "streaming unsupported by connection"))
		return
	}

	stream, release, err := s.orc.DispatchStream(r.Context(), env)
	if err != nil {
		s.writeError(w, env, time.Now(), err)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-Id", env.RequestID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			stream.Abort(nil)
			return
		default:
		}

		frame, err := stream.Recv()
		if err == io.EOF {
			fmt.Fprint(w, "event: end\ndata: {}\n\n")
			flusher.Flush()
			return
		}
		if err != nil {
			kind := errdefs.KindOf(err)
			fmt.Fprintf(w, "event: error\ndata: {\"code\":%q,\"message\":%q}\n\n",
				string(kind), errMessage(err))
			flusher.Flush()
			return
		}
		raw, merr := json.Marshal(frame)
		if merr != nil {
			stream.Abort(merr)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
	}
}

// serveWebSocket pumps client and bidi streams over a WebSocket. Each text
// message is one JSON frame in either direction.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, env *types.Envelope) {
	stream, release, err := s.orc.DispatchStream(r.Context(), env)
	if err != nil {
		s.writeError(w, env, time.Now(), err)
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, http.Header{"X-Request-Id": {env.RequestID}})
	if err != nil {
		stream.Abort(err)
		return
	}
	defer conn.Close()

	// Client frames flow backend-ward until the socket closes, which
	// half-closes the gRPC stream.
	go func() {
		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					_ = stream.SendClose()
				} else {
					stream.Abort(nil)
				}
				return
			}
			if err := stream.Send(frame); err != nil {
				return
			}
		}
	}()

	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
		if err != nil {
			log.WithComponent("gateway").Debug().Err(err).Str("request_id", env.RequestID).Msg("stream failed")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, errMessage(err)), time.Now().Add(time.Second))
			return
		}
		if err := conn.WriteJSON(frame); err != nil {
			stream.Abort(nil)
			return
		}
	}
}

// errMessage extracts the client-safe message from an error
func errMessage(err error) string {
	var e *errdefs.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
