package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"google.golang.org/grpc"

	"gowarp/transfer"
)

const (
	// APIVersion is advertised through discovery; peers with another version
	// are not connected to.
	APIVersion = "2"
	// DefaultPort is the main RPC port.
	DefaultPort = 42000
	// DefaultAuthPort serves certificate registration.
	DefaultAuthPort = 42001

	warpServiceName         = "gowarp.Warp"
	registrationServiceName = "gowarp.WarpRegistration"
	codecName               = "gowarp-json"
)

var (
	// ErrPeerNotFound indicates no PeerConnection exists for an ident.
	ErrPeerNotFound = errors.New("network: peer not found")
	// ErrOpNotFound indicates no TransferOp exists for a start time.
	ErrOpNotFound = errors.New("network: transfer op not found")
	// ErrPeerNotOnline indicates an action that needs a duplex channel.
	ErrPeerNotOnline = errors.New("network: peer is not online")
	// ErrInvalidTransition indicates a status change outside the op table.
	ErrInvalidTransition = errors.New("network: invalid op status transition")
	// ErrChannelNotReady indicates the channel never became ready.
	ErrChannelNotReady = errors.New("network: channel not ready")
	// ErrServerStopped indicates the LocalServer is shut down.
	ErrServerStopped = errors.New("network: server stopped")
)

// LookupName identifies the caller of an RPC.
type LookupName struct {
	ID           string `json:"id"`
	ReadableName string `json:"readable_name"`
}

// VoidType is the empty reply.
type VoidType struct{}

// HaveDuplex answers CheckDuplexConnection.
type HaveDuplex struct {
	Response bool `json:"response"`
}

// RemoteMachineInfo is the profile exchanged once a peer is online.
type RemoteMachineInfo struct {
	DisplayName string `json:"display_name"`
	UserName    string `json:"user_name"`
}

// RemoteMachineAvatar is one chunk of the avatar image stream.
type RemoteMachineAvatar struct {
	AvatarChunk []byte `json:"avatar_chunk"`
}

// OpInfo addresses one op. Ident is the caller's ident.
type OpInfo struct {
	Ident        string `json:"ident"`
	Timestamp    int64  `json:"timestamp"`
	ReadableName string `json:"readable_name"`
}

// TransferOpRequest is the negotiation descriptor sent by the sender.
type TransferOpRequest struct {
	Info            OpInfo   `json:"info"`
	SenderName      string   `json:"sender_name"`
	Receiver        string   `json:"receiver"`
	ReceiverName    string   `json:"receiver_name"`
	Size            int64    `json:"size"`
	Count           int      `json:"count"`
	NameIfSingle    string   `json:"name_if_single"`
	MimeIfSingle    string   `json:"mime_if_single"`
	TopDirBasenames []string `json:"top_dir_basenames"`
}

// StopInfo aborts an in-flight transfer.
type StopInfo struct {
	Info  OpInfo `json:"info"`
	Error bool   `json:"error"`
}

// FileChunk is the wire form of transfer.Chunk.
type FileChunk struct {
	RelativePath  string `json:"relative_path"`
	FileType      int32  `json:"file_type"`
	SymlinkTarget string `json:"symlink_target,omitempty"`
	Sequence      uint64 `json:"sequence"`
	Chunk         []byte `json:"chunk,omitempty"`
	FileMode      uint32 `json:"file_mode"`
	ModTime       int64  `json:"mtime"`
}

// RegRequest asks a peer for its boxed certificate.
type RegRequest struct {
	Ident    string `json:"ident"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
}

// RegResponse carries the peer's certificate, boxed with the group code.
type RegResponse struct {
	LockedCert string `json:"locked_cert"`
}

func chunkToWire(c transfer.Chunk) *FileChunk {
	return &FileChunk{
		RelativePath:  c.RelativePath,
		FileType:      int32(c.Type),
		SymlinkTarget: c.SymlinkTarget,
		Sequence:      c.Sequence,
		Chunk:         c.Data,
		FileMode:      uint32(c.Mode),
		ModTime:       c.ModTime,
	}
}

func chunkFromWire(c *FileChunk) transfer.Chunk {
	return transfer.Chunk{
		RelativePath:  c.RelativePath,
		Type:          transfer.FileType(c.FileType),
		SymlinkTarget: c.SymlinkTarget,
		Sequence:      c.Sequence,
		Data:          c.Chunk,
		Mode:          fs.FileMode(c.FileMode).Perm(),
		ModTime:       c.ModTime,
	}
}

// jsonCodec carries the message structs above. It is forced on both ends
// instead of being registered globally.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

// warpServer is implemented by LocalServer.
type warpServer interface {
	ping(context.Context, *LookupName) (*VoidType, error)
	checkDuplexConnection(context.Context, *LookupName) (*HaveDuplex, error)
	getRemoteMachineInfo(context.Context, *LookupName) (*RemoteMachineInfo, error)
	getRemoteMachineAvatar(*LookupName, grpc.ServerStream) error
	processTransferOpRequest(context.Context, *TransferOpRequest) (*VoidType, error)
	cancelTransferOpRequest(context.Context, *OpInfo) (*VoidType, error)
	startTransfer(*OpInfo, grpc.ServerStream) error
	stopTransfer(context.Context, *StopInfo) (*VoidType, error)
}

// registrationServer is implemented by the certificate registration service.
type registrationServer interface {
	requestCertificate(context.Context, *RegRequest) (*RegResponse, error)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

func unaryHandler[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

func serverStreamHandler[Req any](method string, call func(warpServer, *Req, grpc.ServerStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(warpServer), in, stream)
		},
	}
}

var warpServiceDesc = grpc.ServiceDesc{
	ServiceName: warpServiceName,
	HandlerType: (*warpServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(warpServiceName, "Ping", warpServer.ping),
		unaryHandler(warpServiceName, "CheckDuplexConnection", warpServer.checkDuplexConnection),
		unaryHandler(warpServiceName, "GetRemoteMachineInfo", warpServer.getRemoteMachineInfo),
		unaryHandler(warpServiceName, "ProcessTransferOpRequest", warpServer.processTransferOpRequest),
		unaryHandler(warpServiceName, "CancelTransferOpRequest", warpServer.cancelTransferOpRequest),
		unaryHandler(warpServiceName, "StopTransfer", warpServer.stopTransfer),
	},
	Streams: []grpc.StreamDesc{
		serverStreamHandler("GetRemoteMachineAvatar", warpServer.getRemoteMachineAvatar),
		serverStreamHandler("StartTransfer", warpServer.startTransfer),
	},
}

var registrationServiceDesc = grpc.ServiceDesc{
	ServiceName: registrationServiceName,
	HandlerType: (*registrationServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(registrationServiceName, "RequestCertificate", registrationServer.requestCertificate),
	},
}

// warpClient issues calls against a remote Warp service.
type warpClient struct {
	cc grpc.ClientConnInterface
}

func (c warpClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, fullMethod(warpServiceName, method), in, out, grpc.ForceCodec(jsonCodec{}))
}

func (c warpClient) ping(ctx context.Context, in *LookupName) error {
	return c.invoke(ctx, "Ping", in, new(VoidType))
}

func (c warpClient) checkDuplexConnection(ctx context.Context, in *LookupName) (bool, error) {
	out := new(HaveDuplex)
	if err := c.invoke(ctx, "CheckDuplexConnection", in, out); err != nil {
		return false, err
	}
	return out.Response, nil
}

func (c warpClient) getRemoteMachineInfo(ctx context.Context, in *LookupName) (*RemoteMachineInfo, error) {
	out := new(RemoteMachineInfo)
	if err := c.invoke(ctx, "GetRemoteMachineInfo", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c warpClient) processTransferOpRequest(ctx context.Context, in *TransferOpRequest) error {
	return c.invoke(ctx, "ProcessTransferOpRequest", in, new(VoidType))
}

func (c warpClient) cancelTransferOpRequest(ctx context.Context, in *OpInfo) error {
	return c.invoke(ctx, "CancelTransferOpRequest", in, new(VoidType))
}

func (c warpClient) stopTransfer(ctx context.Context, in *StopInfo) error {
	return c.invoke(ctx, "StopTransfer", in, new(VoidType))
}

func (c warpClient) openServerStream(ctx context.Context, desc *grpc.StreamDesc, in any) (grpc.ClientStream, error) {
	stream, err := c.cc.NewStream(ctx, desc, fullMethod(warpServiceName, desc.StreamName), grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c warpClient) getRemoteMachineAvatar(ctx context.Context, in *LookupName) (grpc.ClientStream, error) {
	return c.openServerStream(ctx, &warpServiceDesc.Streams[0], in)
}

func (c warpClient) startTransfer(ctx context.Context, in *OpInfo) (grpc.ClientStream, error) {
	return c.openServerStream(ctx, &warpServiceDesc.Streams[1], in)
}

func requestCertificate(ctx context.Context, cc grpc.ClientConnInterface, in *RegRequest) (*RegResponse, error) {
	out := new(RegResponse)
	if err := cc.Invoke(ctx, fullMethod(registrationServiceName, "RequestCertificate"), in, out, grpc.ForceCodec(jsonCodec{})); err != nil {
		return nil, fmt.Errorf("request certificate: %w", err)
	}
	return out, nil
}
