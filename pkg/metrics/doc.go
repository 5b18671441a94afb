/*
Package metrics defines Gantry's Prometheus collectors.

All collectors live in the gantry_* namespace and are registered at init.
The gateway exposes them on /metrics via Handler(). Hot-path updates are
counter increments and histogram observations only; nothing here locks.
*/
package metrics
