package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The detection service exchanges well-known protobuf types so no generated
// stubs are needed: the request is the JPEG as BytesValue and the response a
// Struct shaped like the HTTP /detect body.
const (
	GRPCServiceName  = "camtrap.detector.v1.Detector"
	grpcDetectMethod = "/" + GRPCServiceName + "/Detect"
)

// GRPCDetector calls a remote detection service over gRPC.
type GRPCDetector struct {
	conn    *grpc.ClientConn
	owned   bool
	quality int
}

// DialGRPC connects to target with insecure transport credentials unless
// opts override them.
func DialGRPC(target string, opts ...grpc.DialOption) (*GRPCDetector, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector client: %w", err)
	}
	return &GRPCDetector{conn: conn, owned: true, quality: 90}, nil
}

// NewGRPCDetector wraps an existing connection. Close leaves it open.
func NewGRPCDetector(conn *grpc.ClientConn) *GRPCDetector {
	return &GRPCDetector{conn: conn, quality: 90}
}

// Detect sends buf as JPEG and classifies the reply.
func (g *GRPCDetector) Detect(ctx context.Context, buf PixelBuffer) (Detection, error) {
	if buf.Image == nil {
		return Detection{}, fmt.Errorf("empty pixel buffer")
	}
	img, err := EncodeJPEG(buf.Image, g.quality)
	if err != nil {
		return Detection{}, fmt.Errorf("failed to encode frame: %w", err)
	}
	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, grpcDetectMethod, wrapperspb.Bytes(img), resp); err != nil {
		switch status.Code(err) {
		case codes.Unavailable:
			return Detection{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		case codes.DeadlineExceeded:
			return Detection{}, fmt.Errorf("detection timed out: %w", context.DeadlineExceeded)
		}
		return Detection{}, fmt.Errorf("detection failed: %w", err)
	}
	data, err := protojson.Marshal(resp)
	if err != nil {
		return Detection{}, err
	}
	var result detectResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return Detection{}, fmt.Errorf("failed to decode detection response: %w", err)
	}
	return Classify(result.Detections), nil
}

// Close releases a connection created by DialGRPC.
func (g *GRPCDetector) Close() error {
	if !g.owned {
		return nil
	}
	return g.conn.Close()
}

type detectService interface {
	detect(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*detectService)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Detect",
		Handler:    detectHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "camtrap/detector.proto",
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(detectService)
	if interceptor == nil {
		return svc.detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcDetectMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return svc.detect(ctx, req.(*wrapperspb.BytesValue))
	})
}

// RegisterGRPCServer exposes d as the detection service on s. It lets a
// host with an accelerator serve frames for several traps.
func RegisterGRPCServer(s grpc.ServiceRegistrar, d Detector) {
	s.RegisterService(&grpcServiceDesc, &grpcServer{d: d})
}

type grpcServer struct{ d Detector }

func (s *grpcServer) detect(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	src, _, err := image.Decode(bytes.NewReader(in.GetValue()))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid image: %v", err)
	}
	rgba := image.NewRGBA(src.Bounds())
	draw.Draw(rgba, rgba.Bounds(), src, src.Bounds().Min, draw.Src)

	det, err := s.d.Detect(ctx, PixelBuffer{Image: rgba})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, status.FromContextError(err).Err()
		}
		if errors.Is(err, ErrUnavailable) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Errorf(codes.Internal, "detect: %v", err)
	}

	objects := make([]any, 0, len(det.Objects))
	for _, o := range det.Objects {
		obj := map[string]any{"class": o.Label, "confidence": o.Confidence}
		if len(o.BBox) > 0 {
			box := make([]any, len(o.BBox))
			for i, v := range o.BBox {
				box[i] = v
			}
			obj["bbox"] = box
		}
		objects = append(objects, obj)
	}
	return structpb.NewStruct(map[string]any{
		"detections": objects,
		"count":      float64(len(objects)),
	})
}
