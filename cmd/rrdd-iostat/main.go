package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/psafont/rrdd-plugins/config"
	"github.com/psafont/rrdd-plugins/iostat"
	"github.com/psafont/rrdd-plugins/rpc"
	"github.com/psafont/rrdd-plugins/stats"
	"github.com/psafont/rrdd-plugins/xenstore"
)

// applyOverrides lets command-line flags win over config-file values.  Zero
// means the flag was not given.
func applyOverrides(conf *config.Config, port, intervalSec uint) {
	if port != 0 {
		conf.Port = port
	}
	if intervalSec != 0 {
		conf.Interval = intervalSec
	}
}

func main() {
	var configFile, logLevel string
	var port, intervalSec uint
	flag.StringVarP(&configFile, "config", "c", "", "config file")
	flag.StringVarP(&logLevel, "log-level", "l", "info", "log level: debug/info/warning/error")
	flag.UintVarP(&port, "port", "p", 0, "listen port, overrides config")
	flag.UintVar(&intervalSec, "interval", 0, "sampling period in seconds, overrides config")
	flag.Parse()

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithField("error", err).Fatal("invalid log level")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	conf := config.NewConfig()
	if configFile != "" {
		if err := conf.AddConfig(configFile); err != nil {
			log.WithFields(log.Fields{
				"func":  "AddConfig",
				"error": err,
			}).Fatal("failed to load config")
		}
	}
	applyOverrides(conf, port, intervalSec)
	if err := conf.Fixup(); err != nil {
		log.WithField("error", err).Fatal("invalid config")
	}

	store := xenstore.NewToolClient(conf.XenstoreTool)
	index := iostat.NewPhysicalPathIndex(conf.PhyBase)
	resolver := iostat.NewAttachmentResolver(store)
	staleAfter := time.Duration(conf.StaleAfter) * time.Second
	registry := iostat.NewTapdiskRegistry(&iostat.TapCtlLister{Path: conf.TapCtl}, index, resolver, staleAfter)
	cache := iostat.NewShmStatsCache(conf.ShmDir, store)
	source := &iostat.SysfsCounterSource{Root: conf.SysfsBlock}
	interval := time.Duration(conf.Interval) * time.Second
	collector := iostat.NewCollector(registry, resolver, cache, source, interval)

	var unplugged iostat.UnpluggedSRSource
	if conf.UnpluggedSRsFile != "" {
		unplugged = &iostat.FileUnpluggedSRs{Path: conf.UnpluggedSRsFile}
	}

	quit := make(chan struct{})
	go cache.Watch(quit)

	if conf.StatsdAddress != "" {
		go func() {
			if err := stats.Send(conf.StatsdAddress); err != nil {
				log.WithFields(log.Fields{
					"func":  "Send",
					"error": err,
				}).Warning("statsd sender stopped")
			}
		}()
	}

	server, err := rpc.NewServer(conf.Port)
	if err != nil {
		log.WithField("error", err).Fatal("failed to create RPC server")
	}
	if err := server.RegisterService(&rpc.Iostat{Collector: collector}); err != nil {
		log.WithField("error", err).Fatal("failed to register RPC service")
	}
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(iostat.NewPromCollector(collector))
	server.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	go func() {
		if err := server.ListenAndServe(); err != nil {
			log.WithFields(log.Fields{
				"func":  "ListenAndServe",
				"error": err,
			}).Fatal("HTTP server failed")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{
		"interval": interval.String(),
		"port":     conf.Port,
	}).Info("rrdd-iostat started")

	for {
		select {
		case <-ticker.C:
			var unpluggedSRs []string
			if unplugged != nil {
				var err error
				if unpluggedSRs, err = unplugged.UnpluggedSRs(); err != nil {
					log.WithFields(log.Fields{
						"func":  "UnpluggedSRs",
						"error": err,
					}).Warning("failed to read unplugged SRs")
				}
			}
			timer := stats.StartTimer("iostat.cycle")
			records := collector.Collect(unpluggedSRs)
			timer.Stop()
			stats.Gauge("iostat.records", len(records))
			stats.Gauge("iostat.rebuilds", int(index.RebuildCount()))
		case sig := <-sigc:
			log.WithField("signal", sig.String()).Info("shutting down")
			close(quit)
			return
		}
	}
}
