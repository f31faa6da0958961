package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName: полное имя gRPC-сервиса.
const ServiceName = "reseller.v1.OrderService"

const (
	MethodCreateOrder        = "/" + ServiceName + "/CreateOrder"
	MethodGetOrder           = "/" + ServiceName + "/GetOrder"
	MethodGetHold            = "/" + ServiceName + "/GetHold"
	MethodCancelOrder        = "/" + ServiceName + "/CancelOrder"
	MethodRefundOrder        = "/" + ServiceName + "/RefundOrder"
	MethodRequestRefill      = "/" + ServiceName + "/RequestRefill"
	MethodRefreshOrderStatus = "/" + ServiceName + "/RefreshOrderStatus"
	MethodGetBalance         = "/" + ServiceName + "/GetBalance"
	MethodReconcile          = "/" + ServiceName + "/Reconcile"
)

// OrderServiceServer: серверная сторона reseller.v1.OrderService.
// Запросы и ответы передаются как google.protobuf.Struct.
type OrderServiceServer interface {
	CreateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHold(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefundOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestRefill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshOrderStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconcile(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(OrderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OrderServiceDesc описывает сервис для grpc.Server.
var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryHandler(MethodCreateOrder, OrderServiceServer.CreateOrder)},
		{MethodName: "GetOrder", Handler: unaryHandler(MethodGetOrder, OrderServiceServer.GetOrder)},
		{MethodName: "GetHold", Handler: unaryHandler(MethodGetHold, OrderServiceServer.GetHold)},
		{MethodName: "CancelOrder", Handler: unaryHandler(MethodCancelOrder, OrderServiceServer.CancelOrder)},
		{MethodName: "RefundOrder", Handler: unaryHandler(MethodRefundOrder, OrderServiceServer.RefundOrder)},
		{MethodName: "RequestRefill", Handler: unaryHandler(MethodRequestRefill, OrderServiceServer.RequestRefill)},
		{MethodName: "RefreshOrderStatus", Handler: unaryHandler(MethodRefreshOrderStatus, OrderServiceServer.RefreshOrderStatus)},
		{MethodName: "GetBalance", Handler: unaryHandler(MethodGetBalance, OrderServiceServer.GetBalance)},
		{MethodName: "Reconcile", Handler: unaryHandler(MethodReconcile, OrderServiceServer.Reconcile)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reseller/v1/order_service.proto",
}

// RegisterOrderServiceServer регистрирует реализацию на сервере.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

// OrderServiceClient: клиент reseller.v1.OrderService.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewOrderServiceClient создаёт клиента поверх соединения.
func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) CreateOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodCreateOrder, in, opts...)
}

func (c *OrderServiceClient) GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetOrder, in, opts...)
}

func (c *OrderServiceClient) GetHold(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetHold, in, opts...)
}

func (c *OrderServiceClient) CancelOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodCancelOrder, in, opts...)
}

func (c *OrderServiceClient) RefundOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRefundOrder, in, opts...)
}

func (c *OrderServiceClient) RequestRefill(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRequestRefill, in, opts...)
}

func (c *OrderServiceClient) RefreshOrderStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRefreshOrderStatus, in, opts...)
}

func (c *OrderServiceClient) GetBalance(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetBalance, in, opts...)
}

func (c *OrderServiceClient) Reconcile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodReconcile, in, opts...)
}
