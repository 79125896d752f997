package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/client"
	"github.com/micromdm/nanoapns/cmd/cli"
	"github.com/micromdm/nanoapns/config"
	"github.com/micromdm/nanoapns/events"
	"github.com/micromdm/nanoapns/events/queue"
	"github.com/micromdm/nanoapns/events/webhook"
	apnshttp "github.com/micromdm/nanoapns/http"
	httpapi "github.com/micromdm/nanoapns/http/api"
	"github.com/micromdm/nanoapns/log/zaplog"
	"github.com/micromdm/nanoapns/metrics"
	"github.com/micromdm/nanoapns/push"
	"github.com/micromdm/nanoapns/push/buford"
	"github.com/micromdm/nanoapns/push/nanopush"
	pushsvc "github.com/micromdm/nanoapns/push/service"

	"github.com/micromdm/nanolib/log"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "nanoapns"

	endpointAPIPrefix  = "/v1"
	endpointAPIVersion = "/version"
	endpointMetrics    = "/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatal(err)
	}

	cliStorage := cli.NewStorage()
	flag.Var(&cliStorage.Storage, "storage", "name of storage system")
	flag.Var(&cliStorage.DSN, "dsn", "data source name (e.g. connection string or path)")
	flag.Var(&cliStorage.Options, "storage-options", "storage backend options")
	var (
		flListen   = flag.String("listen", cfg.Listen, "HTTP listen address")
		flAPIKey   = flag.String("api", cfg.APIKey, "API key for API endpoints")
		flVersion  = flag.Bool("version", false, "print version")
		flSandbox  = flag.Bool("sandbox", cfg.Sandbox, "push to the APNs sandbox environment")
		flDebug    = flag.Bool("debug", cfg.Debug, "log debug messages")
		flLogJSON  = flag.Bool("log-json", cfg.LogJSON, "log in JSON format")
		flWorkers  = flag.Int("workers", cfg.Workers, "concurrent pushes per topic")
		flTimeout  = flag.Duration("timeout", cfg.Timeout, "APNs request timeout")
		flProvider = flag.String("provider", "nanopush", "push provider (nanopush or buford)")
		flWebhook  = flag.String("webhook-url", cfg.WebhookURL, "URL to send push result events to")
		flAMQP     = flag.String("amqp-url", cfg.AMQPURL, "AMQP URL to publish push result events to")
		flExchange = flag.String("amqp-exchange", cfg.AMQPExchange, "AMQP exchange for push result events")
		flMetrics  = flag.Bool("metrics", cfg.Metrics, "serve Prometheus metrics")
	)
	flag.Parse()

	if *flVersion {
		fmt.Println(version)
		return
	}

	if *flAPIKey == "" {
		stdlog.Fatal("nothing for server to do: API key required")
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
	defer logger.Sync()

	store, err := cliStorage.Parse(context.Background(), logger)
	if err != nil {
		stdlog.Fatal(err)
	}

	endpoint := apns.EndpointFor(*flSandbox)
	var factory push.PushProviderFactory
	switch *flProvider {
	case "nanopush":
		factory = nanopush.NewFactory(
			nanopush.WithEndpoint(endpoint),
			nanopush.WithWorkers(*flWorkers),
			nanopush.WithClientOptions(
				client.WithTimeout(*flTimeout),
				client.WithLogger(logger.With("component", "client")),
			),
		)
	case "buford":
		factory = buford.NewPushProviderFactory(
			buford.WithEndpoint(endpoint),
			buford.WithWorkers(uint(*flWorkers)),
		)
	default:
		stdlog.Fatalf("unknown push provider: %s", *flProvider)
	}
	pushOpts := []pushsvc.Option{pushsvc.WithLogger(logger.With("service", "push"))}
	pub, closePub, err := publisher(zl, logger, *flWebhook, *flAMQP, *flExchange)
	if err != nil {
		stdlog.Fatal(err)
	}
	defer closePub()
	if pub != nil {
		pushOpts = append(pushOpts, pushsvc.WithPublisher(pub))
	}
	pushService := pushsvc.New(store, factory, pushOpts...)
	defer pushService.Close()

	mux := http.NewServeMux()

	var pusher push.Pusher = pushService
	apiMux := http.NewServeMux()
	var apiHandler http.Handler = apiMux
	if *flMetrics {
		m := metrics.New()
		pusher = metrics.NewPusher(pushService, m)
		apiHandler = m.HTTPMiddleware(apiHandler, "api")
		mux.Handle(endpointMetrics, m.Handler())
	}
	httpapi.HandleAPIv1(endpointAPIPrefix, apiMux, logger, store, pusher)
	mux.Handle(endpointAPIPrefix+"/", apnshttp.BasicAuthMiddleware(apiHandler, apiUsername, *flAPIKey, "nanoapns"))

	mux.Handle(endpointAPIVersion, apnshttp.VersionHandler(version))

	logger.Info("msg", "starting server", "listen", *flListen, "endpoint", endpoint, "provider", *flProvider)
	err = http.ListenAndServe(*flListen, apnshttp.TraceLoggingMiddleware(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{"msg", "server shutdown"}
	if err != nil {
		logs = append(logs, "err", err)
	}
	logger.Info(logs...)
}

// publisher creates the push result event publisher, if any are configured.
func publisher(zl *zap.Logger, logger log.Logger, webhookURL, amqpURL, exchange string) (events.Publisher, func(), error) {
	var pubs []events.Publisher
	closeFn := func() {}
	if webhookURL != "" {
		pubs = append(pubs, webhook.New(webhookURL))
	}
	if amqpURL != "" {
		otelLogger := otelzap.New(zl)
		undo := otelzap.ReplaceGlobals(otelLogger)
		q, err := queue.New(amqpURL, exchange, queue.WithLogger(otelLogger))
		if err != nil {
			undo()
			return nil, closeFn, err
		}
		pubs = append(pubs, q)
		closeFn = func() {
			if err := q.Close(); err != nil {
				logger.Info("msg", "closing amqp publisher", "err", err)
			}
			undo()
		}
	}
	switch len(pubs) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return pubs[0], closeFn, nil
	}
	return events.NewMultiPublisher(logger.With("component", "multi-publisher"), pubs...), closeFn, nil
}

// newTraceID generates a random HTTP trace ID for context logging.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
