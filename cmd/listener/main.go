// Command listener runs the CribCall listener role: it pairs with a
// monitor over the PIN-based pairing handshake (or reuses a previously
// trusted monitor), then opens the mTLS control channel. Flag handling
// mirrors cmd/monitor's cobra/pflag Options pattern.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cribcall/cribcall/internal/config"
	"github.com/cribcall/cribcall/internal/control"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/logging"
	"github.com/cribcall/cribcall/internal/pairing"
	"github.com/cribcall/cribcall/internal/trust"
	"github.com/cribcall/cribcall/internal/webhook"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 64
)

// Options holds every listener flag.
type Options struct {
	Host        string
	Fingerprint string
	ControlPort int
	PairingPort int
	WebhookPort int
	PIN         string
	DataDir     string
	Name        string
	Ping        bool
	Verbose     bool
}

func main() {
	opt := &Options{
		ControlPort: 48080,
		PairingPort: 48081,
		WebhookPort: 48082,
		DataDir:     defaultDataDir(),
	}

	cmd := &cobra.Command{
		Use:           "listener",
		Short:         "Run the CribCall listener role",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opt.Host == "" || opt.Fingerprint == "" {
				return fmt.Errorf("--host and --fingerprint are required")
			}
			return opt.Run()
		},
	}
	cmd.Flags().StringVar(&opt.Host, "host", opt.Host, "Monitor hostname or IP.")
	cmd.Flags().StringVar(&opt.Fingerprint, "fingerprint", opt.Fingerprint, "Monitor's pinned certificate fingerprint (hex).")
	cmd.Flags().IntVar(&opt.ControlPort, "control-port", opt.ControlPort, "Monitor's control port.")
	cmd.Flags().IntVar(&opt.PairingPort, "pairing-port", opt.PairingPort, "Monitor's pairing port.")
	cmd.Flags().IntVar(&opt.WebhookPort, "webhook-port", opt.WebhookPort, "Local port this listener's noise-event webhook receiver binds to.")
	cmd.Flags().StringVar(&opt.PIN, "pin", opt.PIN, "6-digit PIN; prompted on stdin if omitted and pairing is required.")
	cmd.Flags().StringVar(&opt.DataDir, "data-dir", opt.DataDir, "Directory holding identity and trust state.")
	cmd.Flags().StringVar(&opt.Name, "name", opt.Name, "Display name presented to the monitor during pairing.")
	cmd.Flags().BoolVar(&opt.Ping, "ping", opt.Ping, "After connecting, also open the control stream and log the non-heartbeat frames it receives.")
	cmd.Flags().BoolVarP(&opt.Verbose, "verbose", "v", opt.Verbose, "Enable debug logging.")

	if err := cmd.Execute(); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(exitUsage)
		}
		fmt.Fprintln(os.Stderr, "listener:", err)
		os.Exit(exitFailure)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cribcall-listener"
	}
	return home + "/.cribcall-listener"
}

// Run pairs with the monitor if necessary, verifies connectivity with a
// health check, then serves the noise-event webhook receiver until
// SIGINT/SIGTERM; with --ping it also opens the control stream and logs the
// frames it receives.
func (o *Options) Run() error {
	if err := os.MkdirAll(o.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	paths := config.NewPaths(o.DataDir)

	logLevel := logging.LevelInfo
	if o.Verbose {
		logLevel = logging.LevelDebug
	}
	log := logging.New(logLevel, "listener")

	settings, err := config.LoadListenerSettings(paths.ListenerSettings())
	if err != nil {
		return fmt.Errorf("load listener settings: %w", err)
	}
	if o.Name != "" {
		settings.DeviceName = o.Name
	}
	if settings.DeviceName == "" {
		settings.DeviceName = "CribCall Listener"
	}
	if o.WebhookPort != 0 {
		settings.WebhookPort = o.WebhookPort
	}
	if err := config.SaveListenerSettings(paths.ListenerSettings(), settings); err != nil {
		return fmt.Errorf("save listener settings: %w", err)
	}

	ident, err := identity.LoadOrCreate(o.DataDir, log.Infof)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	clientCert, err := certificateFromIdentity(ident)
	if err != nil {
		return fmt.Errorf("build TLS certificate: %w", err)
	}

	trustStore, err := trust.Open(paths.TrustedMonitors())
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}

	if !trustStore.IsTrusted(o.Fingerprint) {
		if err := o.pair(ident, clientCert, trustStore, log); err != nil {
			return fmt.Errorf("pairing: %w", err)
		}
	}

	controlClient := control.NewClient(o.Host, o.ControlPort, clientCert, o.Fingerprint, log.With(logging.Fields{"component": "control"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = controlClient.HealthCheck(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("control health check: %w", err)
	}
	log.Infof("connected to monitor at %s:%d", o.Host, o.ControlPort)

	webhookLn, err := tls.Listen("tcp", fmt.Sprintf(":%d", settings.WebhookPort), control.TLSConfig(clientCert, trustStore, nil))
	if err != nil {
		return fmt.Errorf("listen webhook port: %w", err)
	}
	webhookServer := webhook.NewServer(trustStore, nil, log.With(logging.Fields{"component": "webhook"}))
	webhookHTTP := &http.Server{Handler: webhookServer.Router()}

	errCh := make(chan error, 1)
	go func() { errCh <- webhookHTTP.Serve(webhookLn) }()
	log.Infof("webhook receiver listening on :%d", settings.WebhookPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if o.Ping {
		go func() {
			if err := o.runHeartbeatLoop(controlClient, log); err != nil {
				errCh <- err
				return
			}
			sigCh <- syscall.SIGTERM
		}()
	}

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("webhook server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	webhookHTTP.Shutdown(shutdownCtx)
	return nil
}

// pair drives the PIN-based pairing handshake against the monitor's
// pairing port. The CLI harness has no separate --monitor-id flag, so the
// pinned certificate fingerprint doubles as the pairing transcript's
// monitorId; PAIR_ACCEPTED's own MonitorCertFingerprint is still checked
// against --fingerprint before anything is trusted.
func (o *Options) pair(ident *identity.DeviceIdentity, clientCert tls.Certificate, trustStore *trust.Store, log logging.Logger) error {
	pairingClient := pairing.NewClient(o.Host, o.PairingPort, clientCert, ident.DeviceID, listenerDisplayName(o), ident.CertFingerprint, o.Fingerprint)

	askPIN := func() (string, error) {
		if o.PIN != "" {
			return o.PIN, nil
		}
		fmt.Print("Enter the 6-digit PIN shown on the monitor: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	showCode := func(code string) error {
		fmt.Printf("Comparison code: %s — confirm this matches the monitor's display.\n", code)
		return nil
	}

	result, err := pairingClient.Pair(1, "", askPIN, showCode)
	if err != nil {
		return err
	}
	if result.MonitorCertFingerprint != o.Fingerprint {
		return fmt.Errorf("monitor certificate fingerprint %s does not match pinned value %s", result.MonitorCertFingerprint, o.Fingerprint)
	}

	log.Infof("pairing accepted, comparison code was %s", result.ComparisonCode)
	return trustStore.Upsert(trust.Peer{
		RemoteDeviceID:  o.Fingerprint,
		Name:            "monitor",
		CertFingerprint: o.Fingerprint,
		CertificateDER:  result.MonitorCertificateDER,
	})
}

func listenerDisplayName(o *Options) string {
	if o.Name != "" {
		return o.Name
	}
	return "CribCall Listener"
}

func certificateFromIdentity(ident *identity.DeviceIdentity) (tls.Certificate, error) {
	keyPEM, err := ident.PrivateKeyPKCS8PEM()
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(ident.CertificatePEM(), keyPEM)
}

// runHeartbeatLoop opens the duplex control stream and logs every
// non-heartbeat frame it receives until SIGINT/SIGTERM, relying on
// control.Stream's own 20s ping loop and 30s idle timeout to detect a dead
// connection.
func (o *Options) runHeartbeatLoop(controlClient *control.Client, log logging.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	stream, err := controlClient.OpenControlStream(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	defer stream.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	recvCh := make(chan error, 1)
	go func() {
		for {
			env, _, err := stream.Recv()
			if err != nil {
				recvCh <- err
				return
			}
			log.Infof("control stream: received %s", env.Type)
		}
	}()

	select {
	case sig := <-sigCh:
		log.Infof("received %s, closing control stream", sig)
		return nil
	case err := <-recvCh:
		return fmt.Errorf("control stream closed: %w", err)
	}
}
