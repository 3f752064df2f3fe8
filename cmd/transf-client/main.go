// Command transf-client sends files to a transf server, interactively or in
// ping mode.
//
// Usage: transf-client [options] <ip> <port>
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/transf-net/transf"
)

// Terminal escapes for the progress line. Styling only; everything still
// works on a dumb terminal, just noisier.
const (
	ansiReset     = "\x1b[0m"
	ansiCyan      = "\x1b[36m"
	ansiBrightCyn = "\x1b[96m"
	ansiBlue      = "\x1b[38;2;0;0;139m"
	ansiGreen     = "\x1b[38;2;0;139;0m"
	ansiRed       = "\x1b[38;2;139;0;0m"
	ansiEraseLine = "\r\x1b[K"
)

func usage() {
	fmt.Fprint(os.Stderr,
		"Usage: transf-client [options] <ip> <port>\n"+
			"\n"+
			"Options:\n"+
			"  -h, --help               Display this help message\n"+
			"  --ping                   Ping the server\n"+
			"  --protocol <protocol>    Specify the protocol to use (default: udp)\n"+
			"  --tcp                    Equivalent to --protocol tcp\n"+
			"  --udp                    Equivalent to --protocol udp\n"+
			"  --chunk <chunk_size>     Set chunk size for file transfer (default: 2048)\n"+
			"  --timeout <timeout>      Set timeout in milliseconds (default: 10000)\n"+
			"  --debug                  Enable debug mode\n")
}

func main() {
	os.Exit(run())
}

func run() int {
	log := logrus.New()

	var (
		debug     bool
		ping      bool
		protocol  string
		tcp, udp  bool
		chunk     int
		timeoutMS int
	)
	fs := flag.NewFlagSet("transf-client", flag.ContinueOnError)
	fs.Usage = usage
	fs.BoolVar(&debug, "debug", false, "")
	fs.BoolVar(&ping, "ping", false, "")
	fs.StringVar(&protocol, "protocol", "udp", "")
	fs.BoolVar(&tcp, "tcp", false, "")
	fs.BoolVar(&udp, "udp", false, "")
	fs.IntVar(&chunk, "chunk", transf.DefaultChunkSize, "")
	fs.IntVar(&timeoutMS, "timeout", 10000, "")
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

	if fs.NArg() != 2 {
		usage()
		return 1
	}
	ip := fs.Arg(0)
	if net.ParseIP(ip) == nil {
		log.Errorf("invalid IP address: %s", ip)
		return 1
	}
	port, err := strconv.Atoi(fs.Arg(1))
	if err != nil || port <= 0 || port > 65535 {
		log.Errorf("invalid port: %s", fs.Arg(1))
		return 1
	}

	log.WithFields(logrus.Fields{
		"ip":       ip,
		"port":     port,
		"protocol": network,
		"chunk":    chunk,
		"timeout":  timeoutMS,
	}).Debug("options")

	prog := &progressLine{debug: debug}
	client, err := transf.Dial(transf.ClientConfig{
		Host:      ip,
		Port:      port,
		Network:   network,
		ChunkSize: chunk,
		Timeout:   time.Duration(timeoutMS) * time.Millisecond,
		Logger:    log,
		Progress:  prog.update,
	})
	if err != nil {
		log.WithError(err).Error("failed to create socket")
		return 1
	}
	defer client.Close()

	if ping {
		proto := strings.ToUpper(network)
		fmt.Printf("PING %s %s ...\n", client.RemoteAddr(), proto)
		client.Ping(4, time.Second, func(attempt int, rtt time.Duration, err error) {
			if err != nil {
				fmt.Println("Cannot connect to server")
				return
			}
			fmt.Printf("Hello from %s %s: time=%d ms\n",
				client.RemoteAddr(), proto, rtt.Milliseconds())
		})
		return 0
	}

	if !client.CheckAlive(3) {
		log.Error("cannot connect to server")
		return 1
	}
	log.Debug("connected")

	fmt.Println(ansiCyan + `Type a file path to send, or type "@exit" to exit` + ansiReset)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(ansiBrightCyn + "> " + ansiReset)
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())

		switch {
		case input == "":
			continue
		case strings.HasPrefix(input, "@"):
			switch input {
			case "@exit", "@quit", "@q":
				return 0
			case "@":
				log.Info("empty command")
			default:
				log.Errorf("unknown command: %s", input[1:])
			}
		default:
			if !client.CheckAlive(3) {
				log.Error("cannot connect to server")
				continue
			}
			prog.reset()
			err := client.SendFile(input)
			prog.finish(err == nil)
			if err != nil {
				log.WithError(err).Errorf("failed to send %s", input)
			}
		}
	}
	return 0
}

// progressLine renders the chunk loop on one terminal line. In debug mode it
// prints every chunk on its own line so log output stays readable.
type progressLine struct {
	debug    bool
	lastRate uint32
	started  bool
}

func (p *progressLine) reset() {
	p.lastRate = 0
	p.started = false
}

func (p *progressLine) update(chunk, total uint32) {
	rate := uint32(100)
	if chunk < total {
		rate = chunk * 100 / total
	}
	if p.debug {
		fmt.Printf("%s  Sending (%d%%, chunk %d/%d)%s\n", ansiBlue, rate, chunk, total, ansiReset)
		return
	}
	if !p.started || rate != p.lastRate {
		p.started = true
		p.lastRate = rate
		fmt.Printf("%s%s  Sending (%d%%)%s", ansiEraseLine, ansiBlue, rate, ansiReset)
	}
}

func (p *progressLine) finish(ok bool) {
	if p.debug {
		if ok {
			fmt.Println(ansiGreen + "  (Sent)" + ansiReset)
		} else {
			fmt.Println(ansiRed + "  (Failed)" + ansiReset)
		}
		return
	}
	if ok {
		fmt.Println(ansiEraseLine + ansiGreen + "  (Sent)" + ansiReset)
	} else {
		fmt.Println(ansiEraseLine + ansiRed + "  (Failed)" + ansiReset)
	}
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
