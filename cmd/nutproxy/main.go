// Command nutproxy runs the proxy: parse flags, load configuration, wire up
// logging/whitelist/stats, build the engine, and run its event loop until a
// signal asks it to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"nutproxy/internal/config"
	"nutproxy/internal/engine"
	"nutproxy/internal/logging"
	"nutproxy/internal/stats"
	"nutproxy/internal/whitelist"
)

const version = "nutproxy 1.0.0"

var statNames = []string{
	"nutproxy_client_connections",
	"nutproxy_server_connections",
	"nutproxy_requests_total",
	"nutproxy_responses_total",
	"nutproxy_parse_errors_total",
	"nutproxy_forbidden_total",
	"nutproxy_quota_rejected_total",
	"nutproxy_timeouts_total",
	"nutproxy_ejections_total",
	"nutproxy_fragments_total",
	"nutproxy_buffer_bytes",
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run implements the process exit-code contract: 0 for --help, --version,
// --describe-stats, and --test-conf; 1 on configuration or startup failure;
// otherwise it blocks running the proxy until signaled.
func run(args []string) int {
	fs := flag.NewFlagSet("nutproxy", flag.ContinueOnError)
	confFile := fs.String("conf-file", "", "configuration file path")
	showVersion := fs.Bool("version", false, "show version and exit")
	describeStats := fs.Bool("describe-stats", false, "describe the stats this process exposes and exit")
	testConf := fs.Bool("test-conf", false, "test the configuration file and exit")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	if *showVersion {
		fmt.Println(version)
		return 0
	}
	if *describeStats {
		for _, n := range statNames {
			fmt.Println(n)
		}
		return 0
	}

	if *confFile == "" {
		fmt.Fprintln(os.Stderr, "nutproxy: -conf-file is required")
		return 1
	}

	cfg, err := config.Load(*confFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nutproxy: %v\n", err)
		return 1
	}

	if *testConf {
		fmt.Printf("nutproxy: configuration file %s syntax is ok\n", *confFile)
		return 0
	}

	if err := serve(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "nutproxy: %v\n", err)
		return 1
	}
	return 0
}

// serve wires logging, the whitelist store, the stats server, and the
// engine together, then runs the engine until SIGINT/SIGTERM.
func serve(cfg *config.Config) error {
	log, err := logging.New(cfg.Runtime.LogFile, cfg.Runtime.Verbosity, cfg.Runtime.LogMaxAge.Std(), cfg.Runtime.LogRotateCount)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}

	if cfg.Runtime.PidFile != "" {
		if err := os.WriteFile(cfg.Runtime.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			return errors.Wrap(err, "write pidfile")
		}
		defer os.Remove(cfg.Runtime.PidFile)
	}

	wl, err := whitelist.NewStore(cfg.Runtime.WhitelistFile, cfg.Runtime.GraylistFile)
	if err != nil {
		return errors.Wrap(err, "build whitelist store")
	}
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if cfg.Runtime.WhitelistFile != "" || cfg.Runtime.GraylistFile != "" {
		if err := whitelist.Watch(wl, cfg.Runtime.WhitelistFile, cfg.Runtime.GraylistFile, log, stopWatch); err != nil {
			return errors.Wrap(err, "start whitelist watcher")
		}
	}

	statsSrv := stats.NewServer()
	if cfg.Runtime.StatsListen != "" {
		go func() {
			if err := statsSrv.ListenAndServe(cfg.Runtime.StatsListen); err != nil {
				log.Warnf("stats server stopped: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			statsSrv.Shutdown(ctx)
		}()
	}
	if cfg.Runtime.DatadogAddr != "" {
		interval := cfg.Runtime.StatsInterval.Std()
		if interval <= 0 {
			interval = 10 * time.Second
		}
		if err := statsSrv.EnablePush(cfg.Runtime.DatadogAddr, interval, stopWatch); err != nil {
			log.Warnf("datadog push disabled: %v", err)
		}
	}

	eng, err := engine.New(cfg, log, statsSrv.Counters, wl)
	if err != nil {
		return errors.Wrap(err, "build engine")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("nutproxy: shutdown signal received")
		eng.Close()
	}()

	if err := eng.Run(); err != nil && !eng.Stopped() {
		return err
	}
	return nil
}
