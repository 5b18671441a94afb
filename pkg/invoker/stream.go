package invoker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/translator"
	"github.com/cuemby/gantry/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// Stream is an open backend stream. It owns the lease for its lifetime
// and settles instance stats and the breaker exactly once, when the stream
// ends or is aborted.
type Stream struct {
	cs     grpc.ClientStream
	codec  *translator.MethodCodec
	target *Target
	start  time.Time
	cancel context.CancelFunc

	once sync.Once
}

// OpenStream starts a stream of the method's call kind on the target.
// For server streams the caller sends the single request and half-closes
// via SendClose; for client and bidi streams it drives Send itself.
func (i *Invoker) OpenStream(ctx context.Context, target *Target, codec *translator.MethodCodec, env *types.Envelope) (*Stream, error) {
	ctx, cancel, err := i.withEgressBudget(ctx)
	if err != nil {
		target.Lease.Release()
		return nil, err
	}
	ctx = i.outgoing(ctx, env)

	desc := &grpc.StreamDesc{
		StreamName:    codec.Spec.GRPCMethod,
		ClientStreams: codec.Spec.CallKind.ClientStreams(),
		ServerStreams: codec.Spec.CallKind.ServerStreams(),
	}
	cs, err := target.Lease.Conn().NewStream(ctx, desc, codec.Spec.FullMethod())
	if err != nil {
		cancel()
		err = errdefs.FromGRPC(err)
		if target.Done != nil {
			target.Done(err)
		}
		target.Lease.Release()
		return nil, err
	}

	target.Instance.Stats().Begin()
	return &Stream{
		cs:     cs,
		codec:  codec,
		target: target,
		start:  time.Now(),
		cancel: cancel,
	}, nil
}

// Send encodes a JSON frame and sends it on the stream
func (s *Stream) Send(body map[string]interface{}) error {
	msg, _, err := s.codec.EncodeRequest(body)
	if err != nil {
		return err
	}
	return s.SendMsg(msg)
}

// SendMsg sends an already-typed request message
func (s *Stream) SendMsg(msg proto.Message) error {
	if err := s.cs.SendMsg(msg); err != nil {
		err = errdefs.FromGRPC(err)
		s.finish(err)
		return err
	}
	return nil
}

// SendClose half-closes the send direction
func (s *Stream) SendClose() error {
	return s.cs.CloseSend()
}

// Recv reads the next backend message as a JSON-ready map. io.EOF marks a
// graceful end of stream and settles the bookkeeping as a success.
func (s *Stream) Recv() (map[string]interface{}, error) {
	resp := s.codec.NewResponse()
	if err := s.cs.RecvMsg(resp); err != nil {
		if err == io.EOF {
			s.finish(nil)
			return nil, io.EOF
		}
		err = errdefs.FromGRPC(err)
		s.finish(err)
		return nil, err
	}
	return s.codec.DecodeResponse(resp)
}

// Abort cancels the stream from the caller side, counting it per the given
// cause (nil for a graceful client disconnect).
func (s *Stream) Abort(cause error) {
	s.finish(cause)
}

// finish settles the stream exactly once: cancels the context, releases
// the lease, and feeds instance stats and the breaker.
func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.cancel()
		rtt := time.Since(s.start)
		s.target.Instance.Stats().End(rtt, errdefs.CountsAsBreakerFailure(err))
		if s.target.Done != nil {
			s.target.Done(err)
		}
		s.target.Lease.Release()
	})
}

// ServerStream opens a server stream and submits the single request
func (i *Invoker) ServerStream(ctx context.Context, target *Target, codec *translator.MethodCodec, env *types.Envelope, req proto.Message) (*Stream, error) {
	s, err := i.OpenStream(ctx, target, codec, env)
	if err != nil {
		return nil, err
	}
	if err := s.SendMsg(req); err != nil {
		return nil, err
	}
	if err := s.SendClose(); err != nil {
		err = errdefs.FromGRPC(err)
		s.finish(err)
		return nil, err
	}
	return s, nil
}
