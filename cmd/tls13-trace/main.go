// tls13-trace drives the client handshake state machine against an
// in-process scripted server and prints every state transition, the
// suspension points, and the collected metrics. It exists to make the
// controller's behavior observable without a network peer.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/halcyonlabs/tls13/pkg/metrics"
	"github.com/halcyonlabs/tls13/pkg/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "trace":
		traceCommand(os.Args[2:])
	case "version":
		fmt.Printf("tls13-trace %s\n", version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func traceCommand(args []string) {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	experimental := fs.Bool("experimental", false, "middlebox-compatibility profile (legacy fields + CCS)")
	retry := fs.Bool("hrr", false, "have the server send a HelloRetryRequest first")
	logLevel := fs.String("log-level", "debug", "log level (debug, info, warn, error)")
	showMetrics := fs.Bool("metrics", true, "dump Prometheus metrics after the handshake")
	fs.Parse(args)

	logger := metrics.NewLogger(
		metrics.WithLevel(metrics.ParseLevel(*logLevel)),
		metrics.WithName("tls13-trace"),
	)
	collector := metrics.NewCollector()

	// Export spans through OpenTelemetry when built with -tags otel;
	// otherwise record them in memory and print them with the trace.
	var recorder *metrics.SimpleTracer
	if metrics.OTelEnabled() {
		metrics.SetTracer(metrics.NewOTelTracer("tls13-trace"))
	} else {
		recorder = metrics.NewSimpleTracer()
		metrics.SetTracer(recorder)
	}

	if err := runTrace(logger, collector, *experimental, *retry); err != nil {
		logger.Error("trace failed", metrics.Fields{"error": err.Error()})
		dumpSpans(logger, recorder)
		os.Exit(1)
	}
	dumpSpans(logger, recorder)

	if *showMetrics {
		fmt.Println()
		metrics.NewPrometheusExporter(collector, "tls13").WriteMetrics(os.Stdout)
	}
}

func dumpSpans(logger *metrics.Logger, recorder *metrics.SimpleTracer) {
	if recorder == nil {
		return
	}
	for _, span := range recorder.Spans() {
		fields := metrics.Fields{
			"duration": span.Duration.String(),
		}
		if span.Error != nil {
			fields["error"] = span.Error.Error()
		}
		logger.Info("span "+span.Name, fields)
	}
}

func printUsage() {
	fmt.Println(`tls13-trace - TLS 1.3 client handshake trace tool

USAGE:
  tls13-trace trace [-experimental] [-hrr] [-log-level LEVEL] [-metrics]
  tls13-trace version
  tls13-trace help

COMMANDS:
  trace     Run the client state machine against an in-process server
            and print every transition and suspension.
  version   Print the version.
  help      Show this help.`)
}
