package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// registrationService hands out this host's boxed certificate. It runs on its
// own plaintext port since the caller cannot verify TLS yet; only holders of
// the group code can open the box.
type registrationService struct {
	exchanger CertificateExchanger
	log       *logrus.Entry
}

func (r *registrationService) requestCertificate(_ context.Context, in *RegRequest) (*RegResponse, error) {
	boxed, err := r.exchanger.BoxedCertificate()
	if err != nil {
		r.log.WithError(err).Warn("Could not box certificate")
		return nil, status.Error(codes.Internal, "certificate unavailable")
	}
	r.log.WithFields(logrus.Fields{"peer": in.Ident, "hostname": in.Hostname}).Debug("Certificate requested")
	return &RegResponse{LockedCert: boxed}, nil
}

// startRegistration must be called with s.mu held.
func (s *LocalServer) startRegistration() error {
	exchanger, ok := s.opts.Credentials.(CertificateExchanger)
	if !ok {
		return errors.New("auth listener requires a credential provider that exchanges certificates")
	}

	listener, err := net.Listen("tcp", s.opts.AuthListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", s.opts.AuthListenAddress, err)
	}
	s.authListener = listener
	s.authServer = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	s.authServer.RegisterService(&registrationServiceDesc, &registrationService{
		exchanger: exchanger,
		log:       s.opts.Logger.WithField("component", "registration"),
	})
	s.serve(s.authServer, listener)
	return nil
}
