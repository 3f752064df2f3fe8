// Command transf-server receives files over the transfer protocol and
// persists them under a save directory.
//
// Usage: transf-server [options] [ip] <port>
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/transf-net/transf"
)

func usage() {
	fmt.Fprint(os.Stderr,
		"Usage: transf-server [options] [ip] <port>\n"+
			"\n"+
			"Options:\n"+
			"  -h, --help               Display this help message\n"+
			"  --debug                  Enable debug mode\n"+
			"  -d, --dir <path>         Save received files to the specified directory\n"+
			"  --protocol <protocol>    Specify the protocol to use (default: udp)\n"+
			"  --tcp                    Equivalent to --protocol tcp\n"+
			"  --udp                    Equivalent to --protocol udp\n"+
			"  --chunk <size>           Set chunk size for file transfer (default: 2048)\n"+
			"  --timeout <timeout>      Set timeout in milliseconds (default: 10000)\n"+
			"  --listen-all             Bind the wildcard addresses\n"+
			"  --metrics <addr>         Expose Prometheus metrics on addr\n")
}

func main() {
	os.Exit(run())
}

func run() int {
	log := logrus.New()

	var (
		debug     bool
		dir       string
		protocol  string
		tcp, udp  bool
		chunk     int
		timeoutMS int
		listenAll bool
		metrics   string
	)
	fs := flag.NewFlagSet("transf-server", flag.ContinueOnError)
	fs.Usage = usage
	fs.BoolVar(&debug, "debug", false, "")
	fs.StringVar(&dir, "d", transf.DefaultSaveRoot, "")
	fs.StringVar(&dir, "dir", transf.DefaultSaveRoot, "")
	fs.StringVar(&protocol, "protocol", "udp", "")
	fs.BoolVar(&tcp, "tcp", false, "")
	fs.BoolVar(&udp, "udp", false, "")
	fs.IntVar(&chunk, "chunk", transf.DefaultChunkSize, "")
	fs.IntVar(&timeoutMS, "timeout", 10000, "")
	fs.BoolVar(&listenAll, "listen-all", false, "")
	fs.StringVar(&metrics, "metrics", "", "")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	if debug {
		log.SetLevel(logrus.DebugLevel)
	}

	network, err := pickNetwork(protocol, tcp, udp)
	if err != nil {
		log.Error(err)
		return 1
	}
	if chunk <= 0 {
		log.Errorf("chunk size must be a positive integer: %d", chunk)
		return 1
	}
	if timeoutMS <= 0 {
		log.Errorf("timeout must be a positive integer: %d", timeoutMS)
		return 1
	}

	var ip string
	var portArg string
	switch fs.NArg() {
	case 1:
		portArg = fs.Arg(0)
	case 2:
		ip = fs.Arg(0)
		if net.ParseIP(ip) == nil {
			log.Errorf("invalid IP address: %s", ip)
			return 1
		}
		portArg = fs.Arg(1)
	default:
		usage()
		return 1
	}
	port, err := strconv.Atoi(portArg)
	if err != nil || port <= 0 || port > 65535 {
		log.Errorf("invalid port: %s", portArg)
		return 1
	}

	cfg := transf.ServerConfig{
		IP:        ip,
		Port:      port,
		Network:   network,
		ListenAll: listenAll,
		SaveRoot:  dir,
		ChunkSize: chunk,
		Timeout:   msToDuration(timeoutMS),
		Logger:    log,
	}

	if metrics != "" {
		reg := prometheus.NewRegistry()
		cfg.Metrics = transf.NewMetrics(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metrics, mux); err != nil {
				log.WithError(err).Error("metrics endpoint failed")
			}
		}()
		log.WithField("addr", metrics).Info("metrics endpoint enabled")
	}

	log.WithFields(logrus.Fields{
		"ip":       orAny(ip),
		"port":     port,
		"protocol": network,
		"chunk":    chunk,
		"timeout":  timeoutMS,
	}).Debug("options")
	log.WithField("dir", dir).Info("save path")

	srv, err := transf.NewServer(cfg)
	if err != nil {
		if errors.Is(err, transf.ErrAddrInUse) {
			log.Errorf("failed to bind port: port %d already in use", port)
		} else {
			log.WithError(err).Error("no socket is created or active")
		}
		return 1
	}

	fmt.Println("Server is running, ready on:")
	for _, addr := range srv.Addrs() {
		fmt.Printf("  %s\n", addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		_ = srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		log.WithError(err).Error("serve failed")
		return 1
	}
	return 0
}

func pickNetwork(protocol string, tcp, udp bool) (string, error) {
	if tcp && udp {
		return "", errors.New("--tcp and --udp are mutually exclusive")
	}
	if tcp {
		return "tcp", nil
	}
	if udp {
		return "udp", nil
	}
	switch protocol {
	case "tcp", "udp":
		return protocol, nil
	default:
		return "", errors.Errorf("invalid protocol: %s", protocol)
	}
}

func orAny(ip string) string {
	if ip == "" {
		return "(any)"
	}
	return ip
}

func msToDuration(ms int) (d time.Duration) {
	return time.Duration(ms) * time.Millisecond
}
