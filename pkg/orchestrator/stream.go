package orchestrator

import (
	"context"
	"time"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/events"
	"github.com/cuemby/gantry/pkg/invoker"
	"github.com/cuemby/gantry/pkg/types"
)

// DispatchStream opens a backend stream for a streaming method. Server
// streams send the request body and half-close immediately; client and
// bidi streams leave sending to the caller. The returned func must be
// invoked when the caller is done with the stream; it releases the
// admission slot and any deadline timer. Streams never touch the cache.
func (o *Orchestrator) DispatchStream(ctx context.Context, env *types.Envelope) (*invoker.Stream, func(), error) {
	release, _, err := o.d.Admission.Admit(ctx, env.Tenant, env.Route)
	if err != nil {
		return nil, nil, err
	}

	// Streams run as long as the client stays connected; a deadline applies
	// only when the request names one.
	cancel := func() {}
	if !env.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, env.Deadline)
	}
	done := func() {
		cancel()
		release()
	}

	stream, err := o.openStream(ctx, env)
	if err != nil {
		done()
		return nil, nil, err
	}
	return stream, done, nil
}

func (o *Orchestrator) openStream(ctx context.Context, env *types.Envelope) (*invoker.Stream, error) {
	desc, snap, err := o.d.Registry.Lookup(env.Service)
	if err != nil {
		return nil, err
	}
	spec := desc.Method(env.Method)
	if spec == nil {
		return nil, errdefs.New(errdefs.KindNotFound, "service %s has no method %s", env.Service, env.Method)
	}
	if spec.CallKind == types.CallUnary {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "method %s is unary, not streaming", env.Method)
	}
	codec, err := o.d.Translator.Codec(desc, env.Method)
	if err != nil {
		return nil, err
	}

	tracker := &instanceTracker{}
	target, err := o.nextTarget(ctx, desc, snap, spec, env, tracker)
	if err != nil {
		return nil, err
	}

	var stream *invoker.Stream
	if spec.CallKind == types.CallServerStream {
		req, _, eerr := codec.EncodeRequest(env.Body)
		if eerr != nil {
			if target.Done != nil {
				target.Done(nil)
			}
			target.Lease.Release()
			return nil, eerr
		}
		stream, err = o.d.Invoker.ServerStream(ctx, target, codec, env, req)
	} else {
		stream, err = o.d.Invoker.OpenStream(ctx, target, codec, env)
	}
	if err != nil {
		return nil, err
	}

	if o.d.Broker != nil {
		o.d.Broker.Publish(&events.Observation{
			Timestamp:  time.Now(),
			RequestID:  env.RequestID,
			Tenant:     env.Tenant,
			Service:    env.Service,
			Method:     env.Method,
			Instance:   tracker.get(),
			Status:     "stream_open",
			CacheState: "bypass",
		})
	}
	return stream, nil
}
