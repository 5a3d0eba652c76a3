package arrival

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "arrival.v1.ArrivalService"

// Method names of ArrivalService.
const (
	MethodArm               = "Arm"
	MethodDismiss           = "Dismiss"
	MethodGetStatus         = "GetStatus"
	MethodReportPosition    = "ReportPosition"
	MethodReportRegionEvent = "ReportRegionEvent"
	MethodPutAlarm          = "PutAlarm"
	MethodListAlarms        = "ListAlarms"
	MethodDeleteAlarm       = "DeleteAlarm"
	MethodPutRule           = "PutRule"
	MethodListRules         = "ListRules"
	MethodDeleteRule        = "DeleteRule"
	MethodFireRule          = "FireRule"
)

// ArrivalServiceServer is the server API of ArrivalService.
type ArrivalServiceServer interface {
	Arm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Dismiss(ctx context.Context, req *emptypb.Empty) (*wrapperspb.BoolValue, error)
	GetStatus(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	ReportPosition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ReportRegionEvent(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	PutAlarm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListAlarms(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error)
	DeleteAlarm(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error)
	PutRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListRules(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error)
	DeleteRule(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error)
	FireRule(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// ServiceDesc describes ArrivalService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ArrivalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodArm, newStruct, ArrivalServiceServer.Arm),
		unary(MethodDismiss, newEmpty, ArrivalServiceServer.Dismiss),
		unary(MethodGetStatus, newEmpty, ArrivalServiceServer.GetStatus),
		unary(MethodReportPosition, newStruct, ArrivalServiceServer.ReportPosition),
		unary(MethodReportRegionEvent, newStruct, ArrivalServiceServer.ReportRegionEvent),
		unary(MethodPutAlarm, newStruct, ArrivalServiceServer.PutAlarm),
		unary(MethodListAlarms, newEmpty, ArrivalServiceServer.ListAlarms),
		unary(MethodDeleteAlarm, newString, ArrivalServiceServer.DeleteAlarm),
		unary(MethodPutRule, newStruct, ArrivalServiceServer.PutRule),
		unary(MethodListRules, newEmpty, ArrivalServiceServer.ListRules),
		unary(MethodDeleteRule, newString, ArrivalServiceServer.DeleteRule),
		unary(MethodFireRule, newString, ArrivalServiceServer.FireRule),
	},
	Streams: []grpc.StreamDesc{},
}

// Register attaches srv to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, srv ArrivalServiceServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the "/service/method" path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func newStruct() *structpb.Struct       { return new(structpb.Struct) }
func newEmpty() *emptypb.Empty          { return new(emptypb.Empty) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

// unary builds the method descriptor of a unary call in the shape protoc-gen-go-grpc emits.
func unary[Req, Resp proto.Message](
	name string,
	newReq func() Req,
	call func(ArrivalServiceServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}

			server, _ := srv.(ArrivalServiceServer)

			if interceptor == nil {
				return call(server, ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}

			handler := func(ctx context.Context, req any) (any, error) {
				typed, _ := req.(Req)
				return call(server, ctx, typed)
			}

			return interceptor(ctx, in, info, handler)
		},
	}
}

// ArrivalServiceClient is the client stub of ArrivalService.
type ArrivalServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewArrivalServiceClient creates a client stub over a connection.
func NewArrivalServiceClient(cc grpc.ClientConnInterface) *ArrivalServiceClient {
	return &ArrivalServiceClient{cc: cc}
}

// Arm calls ArrivalService.Arm.
func (c *ArrivalServiceClient) Arm(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.cc, MethodArm, in, new(structpb.Struct), opts)
}

// Dismiss calls ArrivalService.Dismiss.
func (c *ArrivalServiceClient) Dismiss(ctx context.Context, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	return invoke(ctx, c.cc, MethodDismiss, new(emptypb.Empty), new(wrapperspb.BoolValue), opts)
}

// GetStatus calls ArrivalService.GetStatus.
func (c *ArrivalServiceClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.cc, MethodGetStatus, new(emptypb.Empty), new(structpb.Struct), opts)
}

// ReportPosition calls ArrivalService.ReportPosition.
func (c *ArrivalServiceClient) ReportPosition(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.cc, MethodReportPosition, in, new(structpb.Struct), opts)
}

// ReportRegionEvent calls ArrivalService.ReportRegionEvent.
func (c *ArrivalServiceClient) ReportRegionEvent(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) error {
	_, err := invoke(ctx, c.cc, MethodReportRegionEvent, in, new(emptypb.Empty), opts)
	return err
}

// PutAlarm calls ArrivalService.PutAlarm.
func (c *ArrivalServiceClient) PutAlarm(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.cc, MethodPutAlarm, in, new(structpb.Struct), opts)
}

// ListAlarms calls ArrivalService.ListAlarms.
func (c *ArrivalServiceClient) ListAlarms(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke(ctx, c.cc, MethodListAlarms, new(emptypb.Empty), new(structpb.ListValue), opts)
}

// DeleteAlarm calls ArrivalService.DeleteAlarm.
func (c *ArrivalServiceClient) DeleteAlarm(ctx context.Context, id string, opts ...grpc.CallOption) error {
	_, err := invoke(ctx, c.cc, MethodDeleteAlarm, wrapperspb.String(id), new(emptypb.Empty), opts)
	return err
}

// PutRule calls ArrivalService.PutRule.
func (c *ArrivalServiceClient) PutRule(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.cc, MethodPutRule, in, new(structpb.Struct), opts)
}

// ListRules calls ArrivalService.ListRules.
func (c *ArrivalServiceClient) ListRules(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke(ctx, c.cc, MethodListRules, new(emptypb.Empty), new(structpb.ListValue), opts)
}

// DeleteRule calls ArrivalService.DeleteRule.
func (c *ArrivalServiceClient) DeleteRule(ctx context.Context, id string, opts ...grpc.CallOption) error {
	_, err := invoke(ctx, c.cc, MethodDeleteRule, wrapperspb.String(id), new(emptypb.Empty), opts)
	return err
}

// FireRule calls ArrivalService.FireRule.
func (c *ArrivalServiceClient) FireRule(ctx context.Context, id string, opts ...grpc.CallOption) error {
	_, err := invoke(ctx, c.cc, MethodFireRule, wrapperspb.String(id), new(emptypb.Empty), opts)
	return err
}

func invoke[Resp proto.Message](
	ctx context.Context,
	cc grpc.ClientConnInterface,
	method string,
	in proto.Message,
	out Resp,
	opts []grpc.CallOption,
) (Resp, error) {
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		var zero Resp
		return zero, err
	}

	return out, nil
}
