// Command apns-push sends a single alert notification to a device.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"time"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/apns/payload"
	"github.com/micromdm/nanoapns/client"
	"github.com/micromdm/nanoapns/config"
	"github.com/micromdm/nanoapns/log/zaplog"

	"github.com/micromdm/nanolib/log"
)

// overridden by -ldflags -X
var version = "unknown"

type options struct {
	certPath, password string
	keyPath            string
	keyID, teamID      string
	deviceToken        string
	message            string
	topic              string
	sandbox            bool
	timeout            time.Duration
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatal(err)
	}

	var o options
	flag.StringVar(&o.certPath, "c", cfg.CertPath, "path to PKCS#12 certificate")
	flag.StringVar(&o.password, "p", cfg.CertPassword, "certificate password")
	flag.StringVar(&o.keyPath, "k", cfg.KeyPath, "path to PKCS#8 (.p8) token key")
	flag.StringVar(&o.keyID, "key-id", cfg.KeyID, "token key ID")
	flag.StringVar(&o.teamID, "team-id", cfg.TeamID, "team ID")
	flag.StringVar(&o.deviceToken, "d", "", "APNs device token")
	flag.StringVar(&o.message, "m", "Ch-check it out!", "notification message")
	flag.StringVar(&o.topic, "o", cfg.Topic, "APNs topic")
	flag.BoolVar(&o.sandbox, "s", cfg.Sandbox, "use the APNs sandbox environment")
	flag.DurationVar(&o.timeout, "timeout", cfg.Timeout, "request timeout")
	var (
		flDebug   = flag.Bool("debug", cfg.Debug, "log debug messages")
		flLogJSON = flag.Bool("log-json", cfg.LogJSON, "log in JSON format")
		flVersion = flag.Bool("version", false, "print version")
	)
	flag.Parse()

	if *flVersion {
		fmt.Println(version)
		return
	}

	level := "info"
	if *flDebug {
		level = "debug"
	}
	zl, err := zaplog.NewLogger(level, *flLogJSON)
	if err != nil {
		stdlog.Fatal(err)
	}
	logger := zaplog.New(zl)

	resp, err := run(context.Background(), o, logger)
	if resp != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
	}
	if err != nil {
		logger.Info("msg", "push failed", "kind", apns.KindOf(err), "err", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// newClient creates a certificate or token client from o.
func newClient(o options, logger log.Logger) (*client.Client, error) {
	endpoint := apns.EndpointFor(o.sandbox)
	opts := []client.Option{
		client.WithTimeout(o.timeout),
		client.WithLogger(logger),
	}

	var path string
	switch {
	case o.certPath != "" && o.keyPath != "":
		return nil, errors.New("specify only one of certificate or token key")
	case o.certPath != "":
		path = o.certPath
	case o.keyPath != "":
		path = o.keyPath
	default:
		return nil, errors.New("certificate or token key required")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, apns.NewError(apns.KindRead, err)
	}
	defer f.Close()
	var r io.Reader = f

	if o.certPath != "" {
		return client.Certificate(r, o.password, endpoint, opts...)
	}
	return client.Token(r, o.keyID, o.teamID, endpoint, opts...)
}

// newNotification builds the alert notification to send.
func newNotification(o options) *apns.Notification {
	p := payload.Plain(o.message)
	p.APS.Sound = "default"
	p.APS.Badge = payload.Badge(1)
	return &apns.Notification{
		DeviceToken: o.deviceToken,
		Payload:     p,
		Options: apns.NotificationOptions{
			Topic: o.topic,
		},
	}
}

func run(ctx context.Context, o options, logger log.Logger) (*apns.Response, error) {
	if o.deviceToken == "" {
		return nil, errors.New("device token required")
	}
	c, err := newClient(o, logger)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	logger.Debug(
		"msg", "sending notification",
		"endpoint", c.Endpoint(),
		"scheme", c.Scheme(),
		"topic", o.topic,
	)
	return c.Send(ctx, newNotification(o))
}
