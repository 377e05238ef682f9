package network

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/credentials"

	"gowarp/transfer"
)

const (
	// DefaultChannelReadyTimeout bounds each wait for a channel to become ready.
	DefaultChannelReadyTimeout = 10 * time.Second
	// DefaultConnectAttempts is the number of readiness waits per channel.
	DefaultConnectAttempts = 3
	// DefaultConnectBackoff separates readiness waits.
	DefaultConnectBackoff = 5 * time.Second
	// DefaultReconnectDelay separates full reconnects after a peer is unreachable.
	DefaultReconnectDelay = 30 * time.Second
	// DefaultDuplexPingInterval is the keepalive interval until duplex is confirmed.
	DefaultDuplexPingInterval = time.Second
	// DefaultPingInterval is the keepalive interval once online.
	DefaultPingInterval = 20 * time.Second
	// DefaultMaxPingFailures abandons a channel after this many failed pings.
	DefaultMaxPingFailures = 5
	// DefaultRPCTimeout bounds each unary call.
	DefaultRPCTimeout = 5 * time.Second
	// DefaultRPCRetries is the number of retries for transient unary failures.
	DefaultRPCRetries = 2
	// DefaultInboundWorkers bounds concurrently served unary calls.
	DefaultInboundWorkers = 8
	// DefaultOutboundWorkers bounds concurrent unary calls issued to all peers.
	DefaultOutboundWorkers = 8
	// DefaultProgressInterval throttles op-progress events per op.
	DefaultProgressInterval = 500 * time.Millisecond
)

// CredentialProvider supplies TLS credentials. A PeerCredentials error means
// the peer cannot be authenticated yet.
type CredentialProvider interface {
	ServerCredentials() (credentials.TransportCredentials, error)
	PeerCredentials(ident, hostname, ip string) (credentials.TransportCredentials, error)
}

// CertificateExchanger is optionally implemented by a CredentialProvider that
// trades certificates over the registration service.
type CertificateExchanger interface {
	BoxedCertificate() (string, error)
	ImportBoxedCertificate(ident, boxed string) error
}

// Filesystem answers save-directory questions before an inbound op is
// auto-accepted. transfer.DiskChecker implements it.
type Filesystem interface {
	SaveRoot() string
	FreeBytes() (uint64, error)
	Conflicts(topDirBasenames []string) []string
}

// ServerOptions configures a LocalServer.
type ServerOptions struct {
	Ident       string
	Hostname    string
	DisplayName string
	UserName    string
	Avatar      []byte

	// ListenAddress is the RPC listen address, ":42000" by default.
	ListenAddress string
	// AuthListenAddress serves certificate registration. Empty disables it.
	AuthListenAddress string

	// Credentials nil means plaintext channels.
	Credentials CredentialProvider
	Filesystem  Filesystem

	AutoAccept        bool
	AllowOverwrite    bool
	StrictDirectories bool
	// SameSubnet, when set, filters discovered peers by address.
	SameSubnet func(ip string) bool

	InboundWorkers  int
	OutboundWorkers int

	ChannelReadyTimeout time.Duration
	ConnectAttempts     int
	ConnectBackoff      time.Duration
	ReconnectDelay      time.Duration
	DuplexPingInterval  time.Duration
	PingInterval        time.Duration
	MaxPingFailures     int
	RPCTimeout          time.Duration
	// RPCRetries is the retry count for transient unary failures; negative
	// disables retries.
	RPCRetries       int
	ChunkSizing      transfer.ChunkSizing
	ProgressInterval time.Duration

	Logger *logrus.Entry
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.DisplayName == "" {
		out.DisplayName = out.Hostname
	}
	if out.ListenAddress == "" {
		out.ListenAddress = ":42000"
	}
	if out.InboundWorkers <= 0 {
		out.InboundWorkers = DefaultInboundWorkers
	}
	if out.OutboundWorkers <= 0 {
		out.OutboundWorkers = DefaultOutboundWorkers
	}
	if out.ChannelReadyTimeout <= 0 {
		out.ChannelReadyTimeout = DefaultChannelReadyTimeout
	}
	if out.ConnectAttempts <= 0 {
		out.ConnectAttempts = DefaultConnectAttempts
	}
	if out.ConnectBackoff <= 0 {
		out.ConnectBackoff = DefaultConnectBackoff
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = DefaultReconnectDelay
	}
	if out.DuplexPingInterval <= 0 {
		out.DuplexPingInterval = DefaultDuplexPingInterval
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.MaxPingFailures <= 0 {
		out.MaxPingFailures = DefaultMaxPingFailures
	}
	if out.RPCTimeout <= 0 {
		out.RPCTimeout = DefaultRPCTimeout
	}
	switch {
	case out.RPCRetries == 0:
		out.RPCRetries = DefaultRPCRetries
	case out.RPCRetries < 0:
		out.RPCRetries = 0
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = DefaultProgressInterval
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return out
}

func (o ServerOptions) validate() error {
	if o.Ident == "" {
		return errors.New("local ident is required")
	}
	if o.Hostname == "" {
		return errors.New("local hostname is required")
	}
	if o.Filesystem == nil {
		return errors.New("filesystem is required")
	}
	return nil
}
