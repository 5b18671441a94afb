/*
Package errdefs defines Gantry's error taxonomy and its mappings to HTTP
status codes (northbound) and gRPC status codes (southbound).

Every module boundary returns errors built with New or Wrap so that the
gateway can render a stable machine-readable `code` in the response
envelope without string matching. The taxonomy:

	InvalidRequest   400  InvalidArgument     no retry
	Unauthenticated  401  Unauthenticated     no retry
	Forbidden        403  PermissionDenied    no retry
	NotFound         404  NotFound            no retry
	Conflict         409  AlreadyExists       no retry
	Precondition     412  FailedPrecondition  no retry
	Throttled        429  ResourceExhausted   retry after hint
	Timeout          504  DeadlineExceeded    retry if idempotent
	Unavailable      503  Unavailable         retry / failover
	CircuitOpen      503  Unavailable         failover
	Overloaded       503  ResourceExhausted   fail fast
	Internal         500  Internal            retry if idempotent

Classification helpers (KindOf, IsRetriable, CountsAsBreakerFailure) accept
arbitrary errors, unwrapping typed errors, context errors and gRPC status
errors.
*/
package errdefs
