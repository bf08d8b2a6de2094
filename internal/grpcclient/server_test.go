package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// RecognitionServer is the server side of the engine contract, used by the
// in-process fake engine in these tests.
type RecognitionServer interface {
	Recognize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func RegisterRecognitionServer(s grpc.ServiceRegistrar, srv RecognitionServer) {
	s.RegisterService(&recognitionServiceDesc, srv)
}

var recognitionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecognitionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Recognize",
			Handler:    recognizeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ocr/v1/engine.proto",
}

func recognizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecognitionServer).Recognize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: RecognizeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecognitionServer).Recognize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
