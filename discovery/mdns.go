package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_gowarp._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultMissedScans is how many consecutive scans a peer may be absent
	// from before it is reported gone.
	DefaultMissedScans = 2
)

// TXT record keys.
const (
	txtHostname   = "hostname"
	txtAPIVersion = "api-version"
	txtAuthPort   = "auth-port"
	txtType       = "type"

	typeReal = "real"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the broadcaster and the scanner. The instance name is
// the local ident, so a peer's ident is what it announces itself as.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	MissedScans     int

	Ident      string
	Hostname   string
	Port       int
	AuthPort   int
	APIVersion string

	Logger *logrus.Entry

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.MissedScans <= 0 {
		out.MissedScans = DefaultMissedScans
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	out.Logger = out.Logger.WithField("component", "discovery")
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.Ident) == "" {
		return errors.New("ident is required")
	}
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.Ident) == "" {
		return errors.New("ident is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	txt := []string{
		txtHostname + "=" + c.Hostname,
		txtType + "=" + typeReal,
	}
	if c.APIVersion != "" {
		txt = append(txt, txtAPIVersion+"="+c.APIVersion)
	}
	if c.AuthPort > 0 {
		txt = append(txt, txtAuthPort+"="+strconv.Itoa(c.AuthPort))
	}
	return txt
}

// Broadcaster advertises the local server via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the local service.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.Ident, cfg.Service, cfg.Domain, cfg.Port, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	cfg.Logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"port":    cfg.Port,
	}).Info("Broadcasting presence")

	return &Broadcaster{server: server}, nil
}

// Stop withdraws the announcement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service couples a broadcaster with a scanner.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start starts broadcasting and scanning with one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops the scanner, then the broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
