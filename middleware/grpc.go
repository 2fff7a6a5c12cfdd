package middleware

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/strandtrace/strand-go"
)

// metadataCarrier adapts gRPC metadata to the text carrier contracts.
// metadata.MD lowercases keys on Set, which the codec tolerates since
// extraction is case-insensitive.
type metadataCarrier metadata.MD

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) ForEachKey(handler func(key, value string) error) error {
	for key, values := range c {
		for _, value := range values {
			if err := handler(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// GRPCUnaryServer returns an interceptor opening a server span per
// unary call, continuing the caller's trace when the metadata carries
// one.
func GRPCUnaryServer(tracer *strand.Tracer) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		opts := serverSpanOptions(tracer, ctx, info.FullMethod)
		span := tracer.StartSpan(info.FullMethod, opts...)
		defer span.Finish()

		resp, err := handler(strand.ContextWithSpan(ctx, span), req)
		if err != nil {
			markError(span, err)
		}
		return resp, err
	}
}

// GRPCStreamServer is GRPCUnaryServer for streaming calls; the span
// covers the whole stream lifetime.
func GRPCStreamServer(tracer *strand.Tracer) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := ss.Context()
		opts := serverSpanOptions(tracer, ctx, info.FullMethod)
		opts = append(opts, strand.WithTags(strand.Bool("rpc.streaming", true)))
		span := tracer.StartSpan(info.FullMethod, opts...)
		defer span.Finish()

		wrapped := &tracedServerStream{
			ServerStream: ss,
			ctx:          strand.ContextWithSpan(ctx, span),
		}
		err := handler(srv, wrapped)
		if err != nil {
			markError(span, err)
		}
		return err
	}
}

// GRPCUnaryClient returns an interceptor opening a client span per
// unary call and injecting its context into the outgoing metadata.
func GRPCUnaryClient(tracer *strand.Tracer) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		callOpts ...grpc.CallOption,
	) error {
		span, ctx := strand.StartSpanFromContext(ctx, tracer, method,
			strand.WithTags(
				strand.String(strand.TagSpanKind, "client"),
				strand.String("rpc.system", "grpc"),
				strand.String("rpc.method", method),
			))
		defer span.Finish()

		md, ok := metadata.FromOutgoingContext(ctx)
		if ok {
			md = md.Copy()
		} else {
			md = metadata.New(nil)
		}
		if err := tracer.Inject(span.Context(), strand.TextMap, metadataCarrier(md)); err == nil {
			ctx = metadata.NewOutgoingContext(ctx, md)
		}

		err := invoker(ctx, method, req, reply, cc, callOpts...)
		if err != nil {
			markError(span, err)
		}
		return err
	}
}

type tracedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedServerStream) Context() context.Context {
	return s.ctx
}

func serverSpanOptions(tracer *strand.Tracer, ctx context.Context, method string) []strand.StartSpanOption {
	var opts []strand.StartSpanOption
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if parent, err := tracer.Extract(strand.TextMap, metadataCarrier(md)); err == nil {
			opts = append(opts, strand.ChildOf(parent))
		}
	}
	return append(opts, strand.WithTags(
		strand.String(strand.TagSpanKind, "server"),
		strand.String("rpc.system", "grpc"),
		strand.String("rpc.method", method),
	))
}

func markError(span *strand.Span, err error) {
	span.SetTag(strand.Bool(strand.TagError, true))
	span.Log(
		strand.String("event", "error"),
		strand.String("message", err.Error()),
	)
}
