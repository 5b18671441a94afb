/*
Package types defines Gantry's core data model shared across all packages.

The model mirrors the bridge's control-plane vocabulary:

  - ServiceDescriptor: the identity of a logical backend service, carrying
    its MethodSpec catalog. Immutable once registered; updates replace the
    whole descriptor and bump its Revision.
  - MethodSpec: a declarative description of one callable backend method —
    gRPC binding, call kind, request/response shapes, retry and cache
    policy, and the REST patterns that route to it.
  - Shape/Field: the schema language the translator compiles into protobuf
    descriptors. Supports scalars, bytes, nested messages, repeated fields
    and map<string, …>.
  - ServiceInstance: a concrete host:port backing a service name, with a
    probed HealthState and lock-free runtime stats (inflight, RTT EWMA,
    error-rate EWMA) owned by the load balancer.
  - Envelope: the internal request form produced by the gateway after
    decoding HTTP — principal, tenant, target, deadline and structured body.

# Health states

	Unknown → first probe pending; eligible for traffic
	Healthy → probe passing
	Degraded → usable but penalized by the load balancer
	Unhealthy → excluded from selection

Transitions come only from the health prober or the circuit breaker.

# Usage

	desc := &types.ServiceDescriptor{
		Name: "user-service",
		Methods: []*types.MethodSpec{{
			Name:        "getUser",
			GRPCService: "user.v1.UserService",
			GRPCMethod:  "GetUser",
			CallKind:    types.CallUnary,
			Idempotent:  true,
			CacheTTL:    types.Duration(60 * time.Second),
			RestPatterns: []types.RestPattern{
				{HTTPMethod: "GET", Path: "/users/{id}"},
			},
		}},
	}
	if err := desc.Validate(); err != nil { ... }
*/
package types
