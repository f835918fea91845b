// dconfd is the configuration daemon: it owns the backend chain and the
// broker that arbitrates across them, and serves the broker's Prometheus
// metrics. It builds no client transport itself. A standalone daemon process is mainly useful here as an operability
// surface (Prometheus metrics, future out-of-process transports); most
// consumers of this package are expected to embed broker.New directly.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dconfd/dconfd/backend/xmlfile"
	"github.com/dconfd/dconfd/broker"
	"github.com/dconfd/dconfd/internal/dlog"
)

const pname = "dconfd"

var (
	addr     = flag.String("listen-address", ":6760", "address to serve /metrics on")
	app      = flag.String("app", "dconfd", "application name used to resolve XDG config roots")
	backends = flag.String("backends", "perchannel-xml", "comma-separated list of backend identifiers, in precedence order")
	logLevel = flag.String("log-level", "info", "initial log level")
)

func main() {
	flag.Parse()

	logger, err := dlog.New(pname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't build logger: %v\n", err)
		os.Exit(1)
	}
	if err := dlog.SetLevel(*logLevel); err != nil {
		logger.Warnw("invalid initial log level", "level", *logLevel, "error", err)
	}
	xmlfile.SetLogger(logger)

	// Claiming the listen address doubles as the single-instance guard: a
	// second daemon for the same user finds the address held and exits before
	// touching any backend files.
	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Errorw("service address already claimed, exiting", "addr", *addr, "error", err)
		os.Exit(0)
	}

	ids := strings.Split(*backends, ",")
	configs := make(map[string]map[string]string, len(ids))
	for _, id := range ids {
		configs[id] = map[string]string{"app": *app}
	}

	b, err := broker.New(ids, configs, logger)
	if err != nil {
		logger.Fatalw("failed to start broker", "error", err)
	}
	b.Register(prometheus.DefaultRegisterer)
	defer b.Close()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.Serve(listener, nil); err != nil {
			logger.Errorw("metrics listener exited", "error", err)
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			b.RefreshTreeSizeMetrics()
		}
	}()

	logger.Infow("dconfd running", "backends", ids, "metrics_addr", *addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Infow("shutting down")
}
