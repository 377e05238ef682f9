package cmd

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"gowarp/auth"
	"gowarp/config"
	"gowarp/discovery"
	"gowarp/network"
	"gowarp/storage"
	"gowarp/transfer"
)

// node is one running local server with its discovery and history.
type node struct {
	server    *network.LocalServer
	store     *storage.Store
	discovery *discovery.Service
	log       *logrus.Entry

	unsubscribe func()
	pumpDone    chan struct{}
}

type nodeOptions struct {
	// ephemeralPorts listens on OS-chosen ports so a short-lived command can
	// run beside `serve`.
	ephemeralPorts bool
	autoAccept     *bool
}

func startNode(cfg *config.DeviceConfig, dataDir string, nopts nodeOptions) (*node, error) {
	log := logrus.WithField("ident", cfg.Ident)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	store.SetHistoryRetention(time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour)
	log.WithField("db", dbPath).Debug("History opened")

	opts, err := serverOptions(cfg, nopts, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	server, err := network.NewLocalServer(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	n := &node{
		server:   server,
		store:    store,
		log:      log,
		pumpDone: make(chan struct{}),
	}
	n.unsubscribe = server.Subscribe(newHistoryRecorder(store, log).handle)

	if err := server.Start(); err != nil {
		server.Stop()
		n.unsubscribe()
		_ = store.Close()
		return nil, fmt.Errorf("start server: %w", err)
	}

	svc, err := discovery.Start(discovery.Config{
		Ident:      cfg.Ident,
		Hostname:   cfg.Hostname,
		Port:       addrPort(server.Addr()),
		AuthPort:   addrPort(server.AuthAddr()),
		APIVersion: network.APIVersion,
		Logger:     log,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("start discovery: %w", err)
	}
	n.discovery = svc
	go n.pump(svc.Scanner.Events())

	return n, nil
}

func serverOptions(cfg *config.DeviceConfig, nopts nodeOptions, log *logrus.Entry) (network.ServerOptions, error) {
	port, authPort := cfg.Port, cfg.AuthPort
	if nopts.ephemeralPorts {
		port = 0
	}

	opts := network.ServerOptions{
		Ident:             cfg.Ident,
		Hostname:          cfg.Hostname,
		DisplayName:       cfg.DisplayName,
		UserName:          cfg.UserName,
		ListenAddress:     net.JoinHostPort("", strconv.Itoa(port)),
		Filesystem:        transfer.DiskChecker{Root: cfg.SaveDir},
		AutoAccept:        cfg.AutoAccept,
		AllowOverwrite:    cfg.AllowOverwrite,
		StrictDirectories: cfg.StrictDirectories,
		InboundWorkers:    cfg.InboundWorkers,
		OutboundWorkers:   cfg.OutboundWorkers,
		Logger:            log,
	}
	if nopts.autoAccept != nil {
		opts.AutoAccept = *nopts.autoAccept
	}
	if cfg.SameSubnetOnly {
		opts.SameSubnet = discovery.SameSubnet
	}

	if cfg.AvatarPath != "" {
		avatar, err := os.ReadFile(cfg.AvatarPath)
		if err != nil {
			log.WithError(err).Warn("Avatar not readable, continuing without one")
		} else {
			opts.Avatar = avatar
		}
	}

	if authPort != 0 {
		identity, err := auth.EnsureIdentity(cfg.KeyPath, cfg.CertPath, cfg.Hostname)
		if err != nil {
			return network.ServerOptions{}, fmt.Errorf("prepare certificate: %w", err)
		}
		authority, err := auth.NewAuthority(identity, cfg.GroupCode, log)
		if err != nil {
			return network.ServerOptions{}, err
		}
		if nopts.ephemeralPorts {
			authPort = 0
		}
		opts.Credentials = authority
		opts.AuthListenAddress = net.JoinHostPort("", strconv.Itoa(authPort))
		log.WithField("fingerprint", auth.FormatFingerprint(authority.Fingerprint())).Info("TLS enabled")
	} else {
		log.Warn("auth_port is 0: transfers run over plaintext channels")
	}

	return opts, nil
}

// pump forwards discovery updates until the scanner stops.
func (n *node) pump(events <-chan discovery.Event) {
	defer close(n.pumpDone)
	for ev := range events {
		switch ev.Type {
		case discovery.EventPeerAppeared:
			n.server.PeerAppeared(ev.Peer.Endpoint())
		case discovery.EventPeerDisappeared:
			n.server.PeerDisappeared(ev.Peer.Ident)
		}
	}
}

// Close stops discovery first so no peer reappears during shutdown.
func (n *node) Close() {
	if n.discovery != nil {
		n.discovery.Stop()
		<-n.pumpDone
	}
	n.server.Stop()
	n.unsubscribe()
	if err := n.store.Close(); err != nil {
		n.log.WithError(err).Warn("Closing history failed")
	}
}

func addrPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
