package discovery

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestStartBroadcasterAnnouncesIdentAndPorts(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		Ident:      "ident-123",
		Hostname:   "alice-laptop",
		Port:       42000,
		AuthPort:   42001,
		APIVersion: "2",
		Logger:     quietLogger(),
		registerFn: func(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	require.NoError(t, err)
	require.NotNil(t, broadcaster)
	broadcaster.Stop()

	assert.Equal(t, "ident-123", gotInstance)
	assert.Equal(t, DefaultService, gotService)
	assert.Equal(t, DefaultDomain, gotDomain)
	assert.Equal(t, 42000, gotPort)
	assert.ElementsMatch(t, []string{
		"hostname=alice-laptop",
		"type=real",
		"api-version=2",
		"auth-port=42001",
	}, gotTXT)
}

func TestStartBroadcasterOmitsUnsetAuthPort(t *testing.T) {
	var gotTXT []string
	_, err := StartBroadcaster(Config{
		Ident:    "ident",
		Hostname: "host",
		Port:     1,
		Logger:   quietLogger(),
		registerFn: func(_, _, _ string, _ int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			gotTXT = text
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hostname=host", "type=real"}, gotTXT)
}

func TestStartBroadcasterValidation(t *testing.T) {
	register := func(_, _, _ string, _ int, _ []string, _ []net.Interface) (*zeroconf.Server, error) {
		t.Fatal("register must not be called")
		return nil, nil
	}
	for name, cfg := range map[string]Config{
		"no ident":    {Hostname: "h", Port: 1},
		"no hostname": {Ident: "i", Port: 1},
		"no port":     {Ident: "i", Hostname: "h"},
	} {
		cfg.registerFn = register
		_, err := StartBroadcaster(cfg)
		assert.Error(t, err, name)
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		Ident:    "self",
		Hostname: "self-host",
		Port:     9999,
		Logger:   quietLogger(),
		registerFn: func(_, _, _ string, _ int, _ []string, _ []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, _, _ string, _ chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	require.NoError(t, err)
	require.NotNil(t, svc.Broadcaster)
	require.NotNil(t, svc.Scanner)
	svc.Stop()
	svc.Stop()

	_, open := <-svc.Scanner.Events()
	assert.False(t, open)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultService, cfg.Service)
	assert.Equal(t, DefaultDomain, cfg.Domain)
	assert.Equal(t, DefaultRefreshInterval, cfg.RefreshInterval)
	assert.Equal(t, DefaultScanTimeout, cfg.ScanTimeout)
	assert.Equal(t, DefaultMissedScans, cfg.MissedScans)
	assert.NotNil(t, cfg.Logger)
}
