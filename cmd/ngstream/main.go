// Command-line interface to the ngstream chunk streaming daemon.
// Provides the serve command plus a few that run without a server.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/janelia-flyem/ngstream/console"
	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/source"
	"github.com/janelia-flyem/ngstream/source/dvidapi"
	"github.com/janelia-flyem/ngstream/source/precomputed"
	"github.com/janelia-flyem/ngstream/stream"
)

// Version is the semantic version of this daemon.
const Version = "0.1.0"

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Address for http communication.
	httpAddress = flag.String("httpaddr", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Profile memory usage using standard gotest system.
	memprofile = flag.String("memprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
ngstream is a daemon that streams chunked multiresolution volume data from
remote image servers, caching decoded chunks under a memory budget.

Usage: ngstream [options] <command>

      -httpaddr   =string   Address for the console HTTP server, overriding config.
      -cpuprofile =string   Write CPU profile to this file.
      -memprofile =string   Write memory profile to this file on ctrl-C.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	serve  <config.toml>
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}

	if *runVerbose {
		ngstream.Verbose = true
		ngstream.SetLogMode(ngstream.DebugMode)
	} else {
		ngstream.SetLogMode(ngstream.InfoMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Unless overridden, use all logical CPUs when serving.
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	if err := doCommand(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func doCommand(args []string) error {
	switch args[0] {
	case "serve":
		return doServe(args)
	case "about":
		fmt.Printf("ngstream version %s\n", Version)
		registry := newSourceRegistry()
		for name, version := range registry.Backends() {
			fmt.Printf("  backend %-12s %s\n", name, version)
		}
	default:
		return fmt.Errorf("unknown command %q; see 'ngstream help'", args[0])
	}
	return nil
}

// newSourceRegistry registers all compiled-in backends.
func newSourceRegistry() *source.Registry {
	registry := source.NewRegistry()
	if err := precomputed.Register(registry); err != nil {
		log.Fatalf("could not register precomputed backend: %v", err)
	}
	if err := dvidapi.Register(registry); err != nil {
		log.Fatalf("could not register dvid backend: %v", err)
	}
	return registry
}

// doServe wires the daemon: fetch layer, chunk manager, backends, datasets
// from config, and the operator console.  Blocks until shutdown.
func doServe(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("serve command must be followed by the path to a TOML config")
	}
	config, err := loadConfig(args[1])
	if err != nil {
		return err
	}
	config.Logging.SetLogger()
	if *httpAddress != "" {
		config.Server.HTTPAddress = *httpAddress
	}
	ngstream.Infof("ngstream %s starting with config %q\n", Version, args[1])

	credentials, err := config.credentialsRegistry()
	if err != nil {
		return err
	}
	infoCacheSize, err := config.infoCacheSize()
	if err != nil {
		return err
	}
	deps := &source.Deps{
		Fetcher:     fetch.NewFetcher(config.fetchTimeout()),
		Credentials: credentials,
		InfoCache:   source.NewInfoCache(infoCacheSize),
	}

	streamConfig, err := config.streamConfig()
	if err != nil {
		return err
	}
	var diskCache *stream.DiskCache
	if config.Cache.DiskPath != "" {
		diskCache, err = stream.OpenDiskCache(config.Cache.DiskPath)
		if err != nil {
			return err
		}
	}
	streamConfig.DiskCache = diskCache

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	activity, err := stream.NewActivitySink(stream.ActivityConfig{
		Topic:   config.Kafka.Topic,
		Servers: config.Kafka.Servers,
	}, hostname)
	if err != nil {
		return fmt.Errorf("could not connect activity sink: %v", err)
	}
	streamConfig.Activity = activity

	manager := stream.NewManager(streamConfig)
	operatorConsole := console.NewServer(Version, manager)

	registry := newSourceRegistry()
	ctx := context.Background()
	for _, dataset := range config.Dataset {
		src, err := registry.Open(ctx, dataset.URL, deps)
		if err != nil {
			return fmt.Errorf("could not open dataset %q: %v", dataset.Name, err)
		}
		for _, levelSources := range src.Sources() {
			for _, chunkSource := range levelSources {
				manager.AddSource(chunkSource)
			}
		}
		operatorConsole.AddDataset(dataset.Name, dataset.URL, src)
		ngstream.Infof("Opened dataset %q with %d levels\n", dataset.Name, len(src.Scales()))
	}

	// Capture ctrl+c and other interrupts, then handle graceful shutdown.
	stopSig := make(chan os.Signal, 1)
	go func() {
		for sig := range stopSig {
			ngstream.Infof("Stop signal captured: %q.  Shutting down...\n", sig)
			if *memprofile != "" {
				ngstream.Infof("Storing memory profiling to %s...\n", *memprofile)
				f, err := os.Create(*memprofile)
				if err != nil {
					log.Fatal(err)
				}
				pprof.WriteHeapProfile(f)
				f.Close()
			}
			if *cpuprofile != "" {
				ngstream.Infof("Stopping CPU profiling to %s...\n", *cpuprofile)
				pprof.StopCPUProfile()
			}
			operatorConsole.Shutdown()
			manager.Close()
			activity.Close()
			if diskCache != nil {
				diskCache.Close()
			}
			delay := config.Server.ShutdownDelay
			if delay > 0 {
				time.Sleep(time.Duration(delay) * time.Second)
			}
			os.Exit(0)
		}
	}()
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)

	return operatorConsole.Serve(config.Server.HTTPAddress)
}
