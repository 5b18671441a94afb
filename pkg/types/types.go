package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// HealthState represents the probed health of a service instance
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Eligible reports whether an instance in this state may receive traffic.
// Degraded instances stay eligible; the load balancer penalizes them via
// their runtime stats instead of excluding them outright. Unknown counts
// as eligible so that freshly added instances can take traffic before the
// first probe completes.
func (h HealthState) Eligible() bool {
	return h == HealthHealthy || h == HealthDegraded || h == HealthUnknown
}

// CallKind identifies the gRPC call shape of a method
type CallKind string

const (
	CallUnary        CallKind = "unary"
	CallServerStream CallKind = "server_stream"
	CallClientStream CallKind = "client_stream"
	CallBidiStream   CallKind = "bidi_stream"
)

// ClientStreams reports whether the client sends more than one message
func (k CallKind) ClientStreams() bool {
	return k == CallClientStream || k == CallBidiStream
}

// ServerStreams reports whether the server sends more than one message
func (k CallKind) ServerStreams() bool {
	return k == CallServerStream || k == CallBidiStream
}

// FieldType is the declarative type of a schema field
type FieldType string

const (
	FieldBool    FieldType = "bool"
	FieldInt32   FieldType = "int32"
	FieldInt64   FieldType = "int64"
	FieldUint64  FieldType = "uint64"
	FieldFloat32 FieldType = "float32"
	FieldFloat64 FieldType = "float64"
	FieldString  FieldType = "string"
	FieldBytes   FieldType = "bytes"
	FieldMessage FieldType = "message"
)

// Field describes one field of a message shape
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Repeated bool      `json:"repeated,omitempty" yaml:"repeated,omitempty"`
	// MapValue marks the field as map<string, Type>. Mutually exclusive
	// with Repeated.
	MapValue bool        `json:"map_value,omitempty" yaml:"map_value,omitempty"`
	Default  interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	// Message holds the nested shape when Type == FieldMessage
	Message *Shape `json:"message,omitempty" yaml:"message,omitempty"`
}

// Shape is a declarative message schema
type Shape struct {
	Name   string   `json:"name,omitempty" yaml:"name,omitempty"`
	Fields []*Field `json:"fields" yaml:"fields"`
}

// FieldByName returns the field with the given name, or nil
func (s *Shape) FieldByName(name string) *Field {
	if s == nil {
		return nil
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// RestPattern binds an HTTP method and path template to a backend method.
// Templates use brace parameters: /users/{id}/posts/{post_id}
type RestPattern struct {
	HTTPMethod string `json:"http_method" yaml:"http_method"`
	Path       string `json:"path" yaml:"path"`
}

// Segments splits the template path into its slash-separated parts
func (p RestPattern) Segments() []string {
	return strings.Split(strings.Trim(p.Path, "/"), "/")
}

// MethodSpec describes one callable backend method
type MethodSpec struct {
	Name           string   `json:"name" yaml:"name"`
	GRPCService    string   `json:"grpc_service" yaml:"grpc_service"`
	GRPCMethod     string   `json:"grpc_method" yaml:"grpc_method"`
	CallKind       CallKind `json:"call_kind" yaml:"call_kind"`
	RequestShape   *Shape   `json:"request_shape" yaml:"request_shape"`
	ResponseShape  *Shape   `json:"response_shape" yaml:"response_shape"`
	Idempotent     bool     `json:"idempotent" yaml:"idempotent"`
	TimeoutDefault Duration `json:"timeout_default,omitempty" yaml:"timeout_default,omitempty"`
	CacheTTL       Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	StaleAfter     Duration `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
	NegativeTTL    Duration `json:"negative_ttl,omitempty" yaml:"negative_ttl,omitempty"`
	// Hedge enables request hedging with the bridge-wide default delay;
	// HedgeDelay sets a per-method delay and implies Hedge.
	Hedge      bool     `json:"hedge,omitempty" yaml:"hedge,omitempty"`
	HedgeDelay Duration `json:"hedge_delay,omitempty" yaml:"hedge_delay,omitempty"`
	// StickyKey names a request field used as the consistent-hash routing
	// key. Empty means the service default policy applies.
	StickyKey    string        `json:"sticky_key,omitempty" yaml:"sticky_key,omitempty"`
	RestPatterns []RestPattern `json:"rest_patterns" yaml:"rest_patterns"`
}

// FullMethod returns the gRPC wire method path, e.g. "/pkg.Service/Method"
func (m *MethodSpec) FullMethod() string {
	return "/" + m.GRPCService + "/" + m.GRPCMethod
}

// Cacheable reports whether successful responses may be cached
func (m *MethodSpec) Cacheable() bool {
	return m.Idempotent && m.CacheTTL > 0 && m.CallKind == CallUnary
}

// Validate checks the method description for structural problems
func (m *MethodSpec) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("method name is required")
	}
	if m.GRPCService == "" || m.GRPCMethod == "" {
		return fmt.Errorf("method %s: grpc_service and grpc_method are required", m.Name)
	}
	switch m.CallKind {
	case CallUnary, CallServerStream, CallClientStream, CallBidiStream:
	case "":
		return fmt.Errorf("method %s: call_kind is required", m.Name)
	default:
		return fmt.Errorf("method %s: unknown call_kind %q", m.Name, m.CallKind)
	}
	if len(m.RestPatterns) == 0 {
		return fmt.Errorf("method %s: at least one rest_pattern is required", m.Name)
	}
	return nil
}

// ServiceDescriptor is the identity of a logical backend service
type ServiceDescriptor struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// LBPolicy selects the balancer policy for this service: "p2c"
	// (default) or "consistent_hash".
	LBPolicy string        `json:"lb_policy,omitempty" yaml:"lb_policy,omitempty"`
	Methods  []*MethodSpec `json:"methods" yaml:"methods"`

	// Revision is assigned by the registry and bumps on every replace.
	// Consumers use it to invalidate derived state such as compiled
	// schemas.
	Revision uint64 `json:"-" yaml:"-"`
}

// Method returns the MethodSpec with the given name, or nil
func (d *ServiceDescriptor) Method(name string) *MethodSpec {
	for _, m := range d.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Validate checks the descriptor and all methods
func (d *ServiceDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("service name is required")
	}
	seen := make(map[string]bool, len(d.Methods))
	for _, m := range d.Methods {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
		if seen[m.Name] {
			return fmt.Errorf("service %s: duplicate method %s", d.Name, m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// TLSConfig carries per-instance TLS settings
type TLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ServerName string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	CAFile     string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	// InsecureSkipVerify disables certificate verification. Verified TLS
	// is the default; skipping is a per-instance operator choice.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// ServiceInstance is a concrete backend address under a service name
type ServiceInstance struct {
	InstanceID string     `json:"instance_id" yaml:"instance_id"`
	Endpoint   string     `json:"endpoint" yaml:"endpoint"`
	Weight     float64    `json:"weight,omitempty" yaml:"weight,omitempty"`
	TLS        *TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`

	health atomic.Value // HealthState
	stats  InstanceStats
}

// NewInstance creates an instance with defaults applied
func NewInstance(id, endpoint string, weight float64) *ServiceInstance {
	if weight <= 0 {
		weight = 1.0
	}
	inst := &ServiceInstance{
		InstanceID: id,
		Endpoint:   endpoint,
		Weight:     weight,
	}
	inst.health.Store(HealthUnknown)
	return inst
}

// Health returns the current probed health state
func (i *ServiceInstance) Health() HealthState {
	if v, ok := i.health.Load().(HealthState); ok {
		return v
	}
	return HealthUnknown
}

// SetHealth replaces the health state
func (i *ServiceInstance) SetHealth(h HealthState) {
	i.health.Store(h)
}

// Stats exposes the runtime stats owned by the load balancer
func (i *ServiceInstance) Stats() *InstanceStats {
	return &i.stats
}

// MarshalJSON includes the dynamic health state in listings
func (i *ServiceInstance) MarshalJSON() ([]byte, error) {
	type alias struct {
		InstanceID string      `json:"instance_id"`
		Endpoint   string      `json:"endpoint"`
		Weight     float64     `json:"weight,omitempty"`
		TLS        *TLSConfig  `json:"tls,omitempty"`
		Health     HealthState `json:"health"`
		Inflight   int64       `json:"inflight"`
		RTTMillis  float64     `json:"rtt_ms"`
	}
	return json.Marshal(alias{
		InstanceID: i.InstanceID,
		Endpoint:   i.Endpoint,
		Weight:     i.Weight,
		TLS:        i.TLS,
		Health:     i.Health(),
		Inflight:   i.stats.Inflight(),
		RTTMillis:  float64(i.stats.RTT()) / float64(time.Millisecond),
	})
}

// UnmarshalJSON accepts the admin API representation
func (i *ServiceInstance) UnmarshalJSON(data []byte) error {
	var alias struct {
		InstanceID string     `json:"instance_id"`
		Endpoint   string     `json:"endpoint"`
		Weight     float64    `json:"weight"`
		TLS        *TLSConfig `json:"tls"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	i.InstanceID = alias.InstanceID
	i.Endpoint = alias.Endpoint
	i.Weight = alias.Weight
	if i.Weight <= 0 {
		i.Weight = 1.0
	}
	i.TLS = alias.TLS
	i.health.Store(HealthUnknown)
	return nil
}

// ewmaAlpha is the smoothing constant for instance stat averages
const ewmaAlpha = 0.3

// InstanceStats holds the per-instance runtime counters consulted by the
// load balancer and updated by the invoker. All fields are atomics; readers
// never lock.
type InstanceStats struct {
	inflight atomic.Int64
	rttEWMA  atomic.Uint64 // float64 bits, nanoseconds
	errEWMA  atomic.Uint64 // float64 bits, 0..1
}

// Begin marks a call as in flight
func (s *InstanceStats) Begin() {
	s.inflight.Add(1)
}

// End records the outcome of a call begun with Begin
func (s *InstanceStats) End(rtt time.Duration, failed bool) {
	s.inflight.Add(-1)
	s.observeEWMA(&s.rttEWMA, float64(rtt))
	sample := 0.0
	if failed {
		sample = 1.0
	}
	s.observeEWMA(&s.errEWMA, sample)
}

// ObserveRTT folds a probe round-trip into the average without touching
// the inflight gauge
func (s *InstanceStats) ObserveRTT(rtt time.Duration) {
	s.observeEWMA(&s.rttEWMA, float64(rtt))
}

func (s *InstanceStats) observeEWMA(v *atomic.Uint64, sample float64) {
	for {
		old := v.Load()
		cur := math.Float64frombits(old)
		next := sample
		if old != 0 {
			next = ewmaAlpha*sample + (1-ewmaAlpha)*cur
		}
		if v.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// Inflight returns the number of calls currently in flight
func (s *InstanceStats) Inflight() int64 {
	return s.inflight.Load()
}

// RTT returns the smoothed round-trip time
func (s *InstanceStats) RTT() time.Duration {
	return time.Duration(math.Float64frombits(s.rttEWMA.Load()))
}

// ErrRate returns the smoothed failure rate in [0, 1]
func (s *InstanceStats) ErrRate() float64 {
	return math.Float64frombits(s.errEWMA.Load())
}

// Envelope is the internal form of a request after the gateway decodes HTTP
type Envelope struct {
	RequestID      string
	Principal      string
	Tenant         string
	Service        string
	Method         string
	Route          string // matched HTTP method + path template
	Deadline time.Time
	Body     map[string]interface{}
	// RawBody carries a pre-encoded protobuf request; when set it takes
	// precedence over Body.
	RawBody        []byte
	AcceptLanguage string
	// Authorization is passed through to the backend as metadata when set
	Authorization string
}

// Duration wraps time.Duration with millisecond JSON/YAML encoding, the
// unit the admin API and config file speak. Go duration strings ("5s")
// are accepted on input for hand-written specs.
type Duration time.Duration

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		var s string
		if serr := json.Unmarshal(data, &s); serr != nil {
			return err
		}
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return perr
		}
		*d = Duration(parsed)
		return nil
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).Milliseconds(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var ms int64
	if err := unmarshal(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
