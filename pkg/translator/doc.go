/*
Package translator converts between JSON request bodies and the typed
protobuf messages the invoker sends on the wire.

Service shapes compile into a synthetic FileDescriptorProto at first use
(one file per service, messages named after the method: SayRequest /
SayResponse), resolved through protodesc and instantiated with dynamicpb.
No generated code or protoc involvement; the descriptor revision from the
registry invalidates the compiled cache on service replacement.

Encoding walks the declared request shape over the decoded body. Numeric
strings coerce to numerics; bytes accept base64 strings only; a missing
required field is InvalidRequest; unknown fields are dropped with a debug
breadcrumb, or rejected outright in strict mode. Encoding is pure: the
canonical bytes come from a deterministic marshal, so the same body always
produces the same fingerprint input.

Decoding is the inverse. Bytes render as base64; int64/uint64 values
outside the 2^53 safe range render as strings so JSON clients do not lose
precision.
*/
package translator
