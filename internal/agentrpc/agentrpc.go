// Package agentrpc defines the gRPC contract between the emulator and the
// per-node agents. Messages travel as google.protobuf.Struct so the service
// needs no generated code; SetLinkRequest and SetLinkResponse are the typed
// views on both ends.
package agentrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "constellation.agent.v1.LinkControl"
	SetLinkMethod = "/" + ServiceName + "/SetLink"
)

// SetLinkRequest asks a node to bring the link towards Peer up or down.
type SetLinkRequest struct {
	Node         string
	Peer         string
	Interface    string
	Up           bool
	DelayMs      float64
	LocalAddress string
	PeerAddress  string
}

// SetLinkResponse acknowledges a SetLinkRequest.
type SetLinkResponse struct {
	Applied bool
	Message string
}

// ToStruct encodes the request on the wire.
func (r *SetLinkRequest) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"node":          r.Node,
		"peer":          r.Peer,
		"interface":     r.Interface,
		"up":            r.Up,
		"delay_ms":      r.DelayMs,
		"local_address": r.LocalAddress,
		"peer_address":  r.PeerAddress,
	})
}

// SetLinkRequestFromStruct decodes a wire request. Node, peer and up are
// required; the remaining fields are optional.
func SetLinkRequestFromStruct(s *structpb.Struct) (*SetLinkRequest, error) {
	if s == nil {
		return nil, fmt.Errorf("empty request")
	}
	f := s.GetFields()
	req := &SetLinkRequest{}

	var err error
	if req.Node, err = stringField(f, "node", true); err != nil {
		return nil, err
	}
	if req.Peer, err = stringField(f, "peer", true); err != nil {
		return nil, err
	}
	if req.Interface, err = stringField(f, "interface", false); err != nil {
		return nil, err
	}
	if req.LocalAddress, err = stringField(f, "local_address", false); err != nil {
		return nil, err
	}
	if req.PeerAddress, err = stringField(f, "peer_address", false); err != nil {
		return nil, err
	}

	up, ok := f["up"]
	if !ok {
		return nil, fmt.Errorf("missing field %q", "up")
	}
	if _, isBool := up.GetKind().(*structpb.Value_BoolValue); !isBool {
		return nil, fmt.Errorf("field %q must be a bool", "up")
	}
	req.Up = up.GetBoolValue()

	if d, ok := f["delay_ms"]; ok {
		if _, isNum := d.GetKind().(*structpb.Value_NumberValue); !isNum {
			return nil, fmt.Errorf("field %q must be a number", "delay_ms")
		}
		req.DelayMs = d.GetNumberValue()
	}
	return req, nil
}

func stringField(f map[string]*structpb.Value, key string, required bool) (string, error) {
	v, ok := f[key]
	if !ok {
		if required {
			return "", fmt.Errorf("missing field %q", key)
		}
		return "", nil
	}
	if _, isString := v.GetKind().(*structpb.Value_StringValue); !isString {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	s := v.GetStringValue()
	if required && s == "" {
		return "", fmt.Errorf("field %q must not be empty", key)
	}
	return s, nil
}

// ToStruct encodes the response on the wire.
func (r *SetLinkResponse) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"applied": r.Applied,
		"message": r.Message,
	})
}

// SetLinkResponseFromStruct decodes a wire response.
func SetLinkResponseFromStruct(s *structpb.Struct) *SetLinkResponse {
	f := s.GetFields()
	return &SetLinkResponse{
		Applied: f["applied"].GetBoolValue(),
		Message: f["message"].GetStringValue(),
	}
}

// LinkControlServer is implemented by node agents.
type LinkControlServer interface {
	SetLink(ctx context.Context, req *SetLinkRequest) (*SetLinkResponse, error)
}

// RegisterLinkControlServer registers srv on s.
func RegisterLinkControlServer(s grpc.ServiceRegistrar, srv LinkControlServer) {
	s.RegisterService(&linkControlServiceDesc, srv)
}

var linkControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LinkControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SetLink",
			Handler:    setLinkHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "constellation/agent/v1/link_control.proto",
}

func setLinkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		typed, err := SetLinkRequestFromStruct(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		resp, err := srv.(LinkControlServer).SetLink(ctx, typed)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = &SetLinkResponse{}
		}
		out, err := resp.ToStruct()
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return out, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SetLinkMethod}
	return interceptor(ctx, in, info, call)
}

// Client is the typed client side of LinkControl.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// SetLink sends req and decodes the acknowledgement.
func (c *Client) SetLink(ctx context.Context, req *SetLinkRequest, opts ...grpc.CallOption) (*SetLinkResponse, error) {
	in, err := req.ToStruct()
	if err != nil {
		return nil, fmt.Errorf("encode set link request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SetLinkMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return SetLinkResponseFromStruct(out), nil
}
