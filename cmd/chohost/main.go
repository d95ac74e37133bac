// Command chohost runs one NFC Connection Handover host process: it serves
// (or dials) the websocket bridge transport (llcp/wsllcp), drives a CHO
// session (cho) over it, and logs the events an application would act on.
// It is a demo/integration harness for the core packages, grounded on the
// teacher's main.go command-line wiring and server.go's HTTP server setup.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dotside-studios/nfc-cho-core/buildinfo"
	"github.com/dotside-studios/nfc-cho-core/cho"
	"github.com/dotside-studios/nfc-cho-core/internal/clock"
	"github.com/dotside-studios/nfc-cho-core/internal/config"
	"github.com/dotside-studios/nfc-cho-core/llcp"
	"github.com/dotside-studios/nfc-cho-core/llcp/wsllcp"
	"github.com/dotside-studios/nfc-cho-core/llcp/wsllcp/chotls"
)

const maxNdefSize = 2048

var opts config.Options

func main() {
	fs := flag.NewFlagSet("chohost", flag.ExitOnError)
	apply := config.RegisterFlags(fs, &opts)

	listenPort := fs.Int("listen", 7846, "port to listen on for the CHO bridge")
	dialAddr := fs.String("dial", "", "host:port of a peer's CHO bridge to dial instead of listening")
	instanceName := fs.String("name", "", "mDNS instance name to advertise as (default: hostname)")
	insecure := fs.Bool("insecure", false, "use plaintext ws:// instead of bootstrapping TLS")
	configDir := fs.String("config-dir", defaultConfigDir(), "directory for bootstrapped TLS material")
	fs.Parse(os.Args[1:])
	apply()

	log.Printf("%s", buildinfo.BuildInfo())

	logger := log.New(os.Stderr, "[chohost] ", log.LstdFlags)

	if *dialAddr != "" {
		runDialer(logger, *dialAddr, *insecure, *configDir)
		return
	}
	runListener(logger, *listenPort, *instanceName, *insecure, *configDir)
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "." + buildinfo.DirName
	}
	return filepath.Join(dir, buildinfo.DirName)
}

// newSession wires a fresh cho.Session/llcp.Adaptor pair onto link, logs
// every application-facing event, and starts the link's read loop. This is
// the wiring sequence documented on wsllcp.Dial's doc comment. When isDialer
// is true this end also initiates the handover data-link connection once
// the link reports itself up.
func newSession(logger *log.Logger, link *wsllcp.Link, isDialer bool) {
	sessionID := uuid.New().String()
	logger = log.New(logger.Writer(), fmt.Sprintf("[chohost %s] ", sessionID[:8]), log.LstdFlags)

	clk := clock.NewRealClock()
	adaptor := llcp.NewAdaptor(link, llcp.DefaultRxCap)
	session := cho.NewSession(clk, adaptor, maxNdefSize)
	adaptor.Bind(session)
	link.Bind(adaptor)

	session.Register(loggingListener{logger: logger, session: session})

	go func() {
		if err := link.Run(); err != nil {
			logger.Printf("link closed: %v", err)
		}
		session.Close()
	}()

	if isDialer {
		go connectWhenReady(logger, session)
	}
}

// connectWhenReady retries Connect until the link has reported itself
// activated; OnLinkStatus(true) races with this goroutine's start, so a
// handful of short-backoff attempts covers the settle time.
func connectWhenReady(logger *log.Logger, session *cho.Session) {
	for i := 0; i < 20; i++ {
		if err := session.Connect(); err == nil && session.State() != cho.StateIdle {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	logger.Printf("gave up opening handover connection")
}

type loggingListener struct {
	logger  *log.Logger
	session *cho.Session
}

func (l loggingListener) OnEvent(ev cho.Event) {
	switch e := ev.(type) {
	case cho.ActivatedEvent:
		l.logger.Printf("event: activated")
	case cho.DisconnectedEvent:
		l.logger.Printf("event: disconnected (%s)", e.Reason)
	case cho.RequestEvent:
		l.logger.Printf("event: handover request received, version=%#x, carriers=%d", e.Hr.Version, len(e.Hr.Carriers))
	case cho.SelectEvent:
		l.logger.Printf("event: handover select received, carriers=%d", len(e.Hs.Carriers))
	default:
		l.logger.Printf("event: %T", ev)
	}
}

func runListener(logger *log.Logger, port int, instanceName string, insecure bool, configDir string) {
	mux := http.NewServeMux()
	mux.HandleFunc(wsllcp.BridgePath, wsllcp.Handler(opts.ClampMIU(), func(link *wsllcp.Link) {
		logger.Printf("accepted bridge connection")
		newSession(logger, link, false)
	}))

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	var advertiser *wsllcp.Advertiser
	var caFingerprint string
	if !insecure {
		hosts, err := chotls.Hosts()
		if err != nil {
			logger.Fatalf("enumerate hosts: %v", err)
		}
		bundle, err := chotls.Bootstrap(configDir, hosts)
		if err != nil {
			logger.Fatalf("bootstrap TLS: %v", err)
		}
		tlsConfig, err := bundle.ServerConfig()
		if err != nil {
			logger.Fatalf("load TLS config: %v", err)
		}
		httpServer.TLSConfig = tlsConfig
		if fp, err := bundle.CAFingerprint(); err == nil {
			caFingerprint = fp
		}
	}

	if instanceName == "" {
		instanceName, _ = os.Hostname()
	}

	go func() {
		var err error
		if insecure {
			err = httpServer.ListenAndServe()
		} else {
			err = httpServer.ListenAndServeTLS("", "")
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	adv, err := wsllcp.Advertise(instanceName, port, caFingerprint)
	if err != nil {
		logger.Printf("mDNS advertise failed: %v", err)
	} else {
		advertiser = adv
		defer advertiser.Shutdown()
	}

	logger.Printf("listening for CHO bridges on port %d (tls=%v)", port, !insecure)
	waitForShutdown(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}

func runDialer(logger *log.Logger, addr string, insecure bool, configDir string) {
	var tlsConfig *tls.Config
	if !insecure {
		hosts, err := chotls.Hosts()
		if err != nil {
			logger.Fatalf("enumerate hosts: %v", err)
		}
		bundle, err := chotls.Bootstrap(configDir, hosts)
		if err != nil {
			logger.Fatalf("bootstrap TLS: %v", err)
		}
		caCert, err := os.ReadFile(bundle.CAFile)
		if err != nil {
			logger.Fatalf("read CA cert: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			logger.Fatalf("parse CA cert: invalid PEM")
		}
		tlsConfig = &tls.Config{RootCAs: pool}
	}

	link, err := wsllcp.Dial(addr, tlsConfig, opts.ClampMIU())
	if err != nil {
		logger.Fatalf("dial %s: %v", addr, err)
	}
	logger.Printf("connected to %s", addr)
	newSession(logger, link, true)

	waitForShutdown(logger)
}

func waitForShutdown(logger *log.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Println("shutdown signal received")
}
