package gateway

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/gantry/pkg/admission"
	"github.com/cuemby/gantry/pkg/cache"
	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/orchestrator"
	"github.com/cuemby/gantry/pkg/types"
)

// universalHandler serves /{basePrefix}/{service}/{resource...}
func (s *Server) universalHandler(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + s.cfg.BasePrefix + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeRawError(w, http.StatusNotFound, string(errdefs.KindNotFound), "no such route")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	segs := strings.Split(rest, "/")
	if len(segs) < 2 || segs[0] == "" {
		writeRawError(w, http.StatusNotFound, string(errdefs.KindNotFound), "expected /"+s.cfg.BasePrefix+"/{service}/{resource}")
		return
	}
	service, resource := segs[0], segs[1:]

	desc, _, err := s.registry.Lookup(service)
	if err != nil {
		env := &types.Envelope{RequestID: requestID(r), Service: service}
		s.writeError(w, env, time.Now(), err)
		return
	}

	spec, params := matchMethod(desc, r.Method, resource)
	if spec == nil {
		env := &types.Envelope{RequestID: requestID(r), Service: service}
		s.writeError(w, env, time.Now(),
			errdefs.New(errdefs.KindNotFound, "no %s route matches /%s", r.Method, rest))
		return
	}

	env, err := s.buildEnvelope(r, service, spec, params)
	if err != nil {
		fallback := &types.Envelope{RequestID: requestID(r), Service: service, Method: spec.Name}
		s.writeError(w, fallback, time.Now(), err)
		return
	}

	if spec.CallKind != types.CallUnary {
		s.serveStream(w, r, spec, env)
		return
	}

	start := time.Now()
	res, err := s.orc.Dispatch(r.Context(), env)
	if err != nil {
		s.writeError(w, env, start, err)
		return
	}
	s.writeResult(w, env, start, res)
}

// matchMethod finds the best RestPattern for the HTTP method and path.
// Patterns must match segment-for-segment; literal segments bind tighter
// than {param} segments, so the most specific route wins.
func matchMethod(desc *types.ServiceDescriptor, httpMethod string, segs []string) (*types.MethodSpec, map[string]string) {
	var (
		best       *types.MethodSpec
		bestParams map[string]string
		bestScore  = -1
	)
	for _, m := range desc.Methods {
		for _, p := range m.RestPatterns {
			if !strings.EqualFold(p.HTTPMethod, httpMethod) {
				continue
			}
			params, score, ok := matchPattern(p, segs)
			if ok && score > bestScore {
				best, bestParams, bestScore = m, params, score
			}
		}
	}
	return best, bestParams
}

// matchPattern matches one template against the path segments. The score
// counts literal segments.
func matchPattern(p types.RestPattern, segs []string) (map[string]string, int, bool) {
	tmpl := p.Segments()
	if len(tmpl) != len(segs) {
		return nil, 0, false
	}
	params := make(map[string]string)
	score := 0
	for i, t := range tmpl {
		if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
			params[strings.Trim(t, "{}")] = segs[i]
			continue
		}
		if t != segs[i] {
			return nil, 0, false
		}
		score++
	}
	return params, score, true
}

// buildEnvelope assembles the internal request form: query parameters bind
// loosest, then path parameters, then the JSON body.
func (s *Server) buildEnvelope(r *http.Request, service string, spec *types.MethodSpec, params map[string]string) (*types.Envelope, error) {
	env := &types.Envelope{
		RequestID:      requestID(r),
		Service:        service,
		Method:         spec.Name,
		Route:          r.Method + " " + routeOf(spec, r.Method),
		Tenant:         r.Header.Get("X-Tenant"),
		Authorization:  r.Header.Get("Authorization"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		Body:           make(map[string]interface{}),
	}

	if ms := r.Header.Get("X-Deadline-Ms"); ms != "" {
		n, err := strconv.ParseInt(ms, 10, 64)
		if err != nil || n <= 0 {
			return nil, errdefs.New(errdefs.KindInvalidRequest, "invalid X-Deadline-Ms %q", ms)
		}
		env.Deadline = time.Now().Add(time.Duration(n) * time.Millisecond)
	}

	for k, vs := range r.URL.Query() {
		if len(vs) == 1 {
			env.Body[k] = vs[0]
		} else {
			// Repeated query params bind as a list.
			vals := make([]interface{}, len(vs))
			for i, v := range vs {
				vals[i] = v
			}
			env.Body[k] = vals
		}
	}
	for k, v := range params {
		env.Body[k] = v
	}

	if r.Body == nil || r.ContentLength == 0 {
		return env, nil
	}
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidRequest, err, "read request body")
	}
	if len(raw) == 0 {
		return env, nil
	}

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/octet-stream"):
		env.RawBody = raw
	case ct == "" || strings.HasPrefix(ct, "application/json"):
		var body map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidRequest, err, "invalid JSON body")
		}
		for k, v := range body {
			env.Body[k] = v
		}
	default:
		return nil, errdefs.New(errdefs.KindInvalidRequest, "unsupported content type %q", ct)
	}
	return env, nil
}

// routeOf returns the method's template for the given verb, for rate-limit
// keying and telemetry
func routeOf(spec *types.MethodSpec, httpMethod string) string {
	for _, p := range spec.RestPatterns {
		if strings.EqualFold(p.HTTPMethod, httpMethod) {
			return p.Path
		}
	}
	return spec.Name
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// envelope is the uniform response body
type envelope struct {
	Success  bool               `json:"success"`
	Data     stdjson.RawMessage `json:"data,omitempty"`
	Error    *errorSection      `json:"error,omitempty"`
	Metadata metaSection        `json:"metadata"`
}

type errorSection struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type metaSection struct {
	Service   string  `json:"service,omitempty"`
	Method    string  `json:"method,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
	Cached    bool    `json:"cached"`
	RequestID string  `json:"request_id"`
}

// writeResult renders a successful dispatch
func (s *Server) writeResult(w http.ResponseWriter, env *types.Envelope, start time.Time, res *orchestrator.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", env.RequestID)
	w.Header().Set("X-Cache", string(res.CacheState))
	if res.Quota != nil {
		setRateLimitHeaders(w, res.Quota)
	}
	cached := res.CacheState == cache.StateHit || res.CacheState == cache.StateStale
	body := envelope{
		Success: true,
		Data:    stdjson.RawMessage(res.Raw),
		Metadata: metaSection{
			Service:   env.Service,
			Method:    env.Method,
			LatencyMS: float64(time.Since(start)) / float64(time.Millisecond),
			Cached:    cached,
			RequestID: env.RequestID,
		},
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders a failed dispatch per the error taxonomy
func (s *Server) writeError(w http.ResponseWriter, env *types.Envelope, start time.Time, err error) {
	kind := errdefs.KindOf(err)
	msg := "internal error"
	var details map[string]interface{}
	var te *admission.ThrottleError
	if errors.As(err, &te) && te.Quota != nil {
		// Rate-limited rejections still describe the bucket.
		setRateLimitHeaders(w, te.Quota)
	}
	var e *errdefs.Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.RetryAfter > 0 {
			details = map[string]interface{}{
				"retry_after_ms": e.RetryAfter.Milliseconds(),
			}
			w.Header().Set("Retry-After",
				strconv.Itoa(int((e.RetryAfter+time.Second-1)/time.Second)))
		}
	} else if kind != errdefs.KindInternal {
		msg = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", env.RequestID)
	body := envelope{
		Success: false,
		Error:   &errorSection{Code: string(kind), Message: msg, Details: details},
		Metadata: metaSection{
			Service:   env.Service,
			Method:    env.Method,
			LatencyMS: float64(time.Since(start)) / float64(time.Millisecond),
			RequestID: env.RequestID,
		},
	}
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}

// writeRawError is the minimal error writer for paths where no envelope
// context exists yet
func writeRawError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"success":false,"error":{"code":%q,"message":%q}}`, code, msg)
}

func setRateLimitHeaders(w http.ResponseWriter, q *admission.Quota) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(q.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(q.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(q.Reset.Seconds()+0.5), 10))
	w.Header().Set("X-RateLimit-Window", strconv.FormatInt(int64(q.Window.Seconds()+0.5), 10))
}
