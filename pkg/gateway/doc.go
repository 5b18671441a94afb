/*
Package gateway is the northbound HTTP surface of the bridge.

Fixed routes come first: health and readiness probes, the prometheus
endpoint, the service listing, and the optional admin control plane. Every
other path falls through to the universal handler, which serves
/{basePrefix}/{service}/{resource...} by matching the path against the
registered methods' REST patterns; literal segments bind tighter than
{param} segments, so the most specific route wins.

A request body is assembled from three layers in rising precedence: query
parameters, path parameters, and the JSON body. A pre-encoded protobuf
body is accepted as application/octet-stream and passed through untouched.
Responses use a uniform envelope with a stable error code taxonomy; cache
disposition is surfaced in the X-Cache header, rate-limit state in the
X-RateLimit family.

Server streams render as Server-Sent Events; client and bidi streams
upgrade to a WebSocket that exchanges one JSON frame per message. The
handler chain recovers panics, so a failing request can never take the
process down.
*/
package gateway
