// Command monitor runs the CribCall monitor role: it accepts incoming
// pairing requests from listeners, serves the mTLS control channel, and
// dispatches noise events to whichever of broadcast, push, and webhook
// delivery are wired up. Flag handling follows the cobra/pflag Options
// pattern used across the example server commands in this codebase's
// lineage (flags bound directly onto a long-lived Options struct, RunE
// deferring to Options.Run).
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
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
	"github.com/cribcall/cribcall/internal/dispatch"
	"github.com/cribcall/cribcall/internal/identity"
	"github.com/cribcall/cribcall/internal/logging"
	"github.com/cribcall/cribcall/internal/mdns"
	"github.com/cribcall/cribcall/internal/pairing"
	"github.com/cribcall/cribcall/internal/push"
	"github.com/cribcall/cribcall/internal/qr"
	"github.com/cribcall/cribcall/internal/sound"
	"github.com/cribcall/cribcall/internal/subscription"
	"github.com/cribcall/cribcall/internal/trust"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 64
)

// Options holds every monitor flag plus the settings persisted across runs.
type Options struct {
	ControlPort int
	PairingPort int
	DataDir     string
	Name        string
	Verbose     bool
}

func main() {
	opt := &Options{
		ControlPort: 48080,
		PairingPort: 48081,
		DataDir:     defaultDataDir(),
	}

	cmd := &cobra.Command{
		Use:           "monitor",
		Short:         "Run the CribCall monitor role",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opt.Run()
		},
	}
	cmd.Flags().IntVar(&opt.ControlPort, "control-port", opt.ControlPort, "Port for the mTLS control/WebSocket surface.")
	cmd.Flags().IntVar(&opt.PairingPort, "pairing-port", opt.PairingPort, "Port for the TLS pairing surface.")
	cmd.Flags().StringVar(&opt.DataDir, "data-dir", opt.DataDir, "Directory holding identity, trust, and subscription state.")
	cmd.Flags().StringVar(&opt.Name, "name", opt.Name, "Display name advertised to listeners; defaults to the persisted device name.")
	cmd.Flags().BoolVarP(&opt.Verbose, "verbose", "v", opt.Verbose, "Enable debug logging.")

	if err := cmd.Execute(); err != nil {
		if isUsageError(cmd, err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUsage)
		}
		fmt.Fprintln(os.Stderr, "monitor:", err)
		os.Exit(exitFailure)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cribcall-monitor"
	}
	return home + "/.cribcall-monitor"
}

func isUsageError(cmd *cobra.Command, err error) bool {
	return err == pflag.ErrHelp
}

// Run wires every component per spec.md §4 and blocks until SIGINT/SIGTERM.
func (o *Options) Run() error {
	if err := os.MkdirAll(o.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	paths := config.NewPaths(o.DataDir)

	logLevel := logging.LevelInfo
	if o.Verbose {
		logLevel = logging.LevelDebug
	}
	log := logging.New(logLevel, "monitor")

	settings, err := config.LoadMonitorSettings(paths.MonitorSettings())
	if err != nil {
		return fmt.Errorf("load monitor settings: %w", err)
	}
	if o.ControlPort != 0 {
		settings.ControlPort = o.ControlPort
	}
	if o.PairingPort != 0 {
		settings.PairingPort = o.PairingPort
	}
	if o.Name != "" {
		settings.DeviceName = o.Name
	}
	if settings.DeviceName == "" {
		settings.DeviceName = "CribCall Monitor"
	}
	if err := config.SaveMonitorSettings(paths.MonitorSettings(), settings); err != nil {
		return fmt.Errorf("save monitor settings: %w", err)
	}

	ident, err := identity.LoadOrCreate(o.DataDir, log.Infof)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	serverCert, err := certificateFromIdentity(ident)
	if err != nil {
		return fmt.Errorf("build TLS certificate: %w", err)
	}

	trustStore, err := trust.Open(paths.TrustedListeners())
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	subscriptions, err := subscription.Open(paths.NoiseSubscriptions())
	if err != nil {
		return fmt.Errorf("open subscription registry: %w", err)
	}
	defer subscriptions.Close()

	sessions := pairing.NewManager(log.With(logging.Fields{"component": "pairing"}))
	defer sessions.Close()
	tokens := pairing.NewTokenStore()

	confirm := stdinConfirmer(log)
	monitor := pairing.NewMonitor(ident.DeviceID, ident.CertFingerprint, sessions, trustStore, confirm, tokens, log.With(logging.Fields{"component": "pairing"}))
	pairingServer := pairing.NewServer(monitor, log)
	defer pairingServer.Close()

	controlServer := control.NewServer("monitor", trustStore, subscriptions, nil, log.With(logging.Fields{"component": "control"}))

	var sender *push.Sender
	if settings.PushRelayURL != "" {
		sender = push.NewSender(settings.PushRelayURL, 5, subscriptions, log.With(logging.Fields{"component": "push"}))
	}
	var webhookSender *push.WebhookSender
	if settings.WebhooksOn {
		webhookSender = push.NewWebhookSender(serverCert)
	}
	dispatcher := dispatch.New(ident.DeviceID, settings.DeviceName, controlServer, subscriptions, trustStore, sender, webhookSender, settings.WebhooksOn, log.With(logging.Fields{"component": "dispatch"}))

	// detector turns PCM frames into DetectedNoise events that dispatcher.Dispatch
	// fans out; the platform audio capture loop that would call detector.Feed
	// per frame is outside this module's scope, so it is constructed here and
	// left idle.
	detector := sound.New(sound.Settings(settings.Noise), sound.DefaultSampleRate, sound.DefaultFrameSize)
	_ = detector

	token, err := tokens.Issue()
	if err != nil {
		return fmt.Errorf("issue pairing token: %w", err)
	}
	printPairingQR(ident, settings, token, log)

	printAdvertisement(ident, settings)

	pairingLn, err := tls.Listen("tcp", fmt.Sprintf(":%d", settings.PairingPort), pairing.TLSConfig(serverCert))
	if err != nil {
		return fmt.Errorf("listen pairing port: %w", err)
	}
	pairingHTTP := &http.Server{Handler: pairingServer.Router()}

	knownUntrusted := map[string]bool{}
	controlLn, err := tls.Listen("tcp", fmt.Sprintf(":%d", settings.ControlPort), control.TLSConfig(serverCert, trustStore, knownUntrusted))
	if err != nil {
		pairingLn.Close()
		return fmt.Errorf("listen control port: %w", err)
	}
	controlHTTP := &http.Server{Handler: controlServer.Router()}

	errCh := make(chan error, 2)
	go func() { errCh <- pairingHTTP.Serve(pairingLn) }()
	go func() { errCh <- controlHTTP.Serve(controlLn) }()

	log.Infof("monitor %s listening: pairing=:%d control=:%d", ident.DeviceID, settings.PairingPort, settings.ControlPort)
	log.Debugf("dispatch wired for monitor %q", dispatcher.MonitorName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pairingHTTP.Shutdown(ctx)
	controlHTTP.Shutdown(ctx)
	return nil
}

func certificateFromIdentity(ident *identity.DeviceIdentity) (tls.Certificate, error) {
	keyPEM, err := ident.PrivateKeyPKCS8PEM()
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(ident.CertificatePEM(), keyPEM)
}

// stdinConfirmer builds a Confirmer that prompts the operator on stdin to
// accept or reject a pairing session's comparison code, feeding the result
// through pairing.AwaitConfirmation so the session deadline still applies.
func stdinConfirmer(log logging.Logger) pairing.Confirmer {
	return func(ctx context.Context, session *pairing.Session) (bool, error) {
		confirmCh := make(chan bool, 1)
		go func() {
			fmt.Printf("\nPairing request from %q — comparison code: %s\nAccept? [y/N]: ", session.ListenerName, session.ComparisonCode)
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			line = strings.ToLower(strings.TrimSpace(line))
			confirmCh <- line == "y" || line == "yes"
		}()
		accepted, err := pairing.AwaitConfirmation(ctx, confirmCh)
		if err != nil {
			log.Debugf("pairing: confirmation wait ended: %v", err)
		}
		return accepted, err
	}
}

func printPairingQR(ident *identity.DeviceIdentity, settings config.MonitorSettings, token string, log logging.Logger) {
	payload := qr.Payload{
		MonitorID:              ident.DeviceID,
		MonitorName:            settings.DeviceName,
		MonitorCertFingerprint: ident.CertFingerprint,
		MonitorPublicKey:       ident.PublicKeyB64,
		IPs:                    localIPs(),
		PairingToken:           token,
		Service: qr.Service{
			Protocol:    "cribcall",
			Version:     1,
			ControlPort: settings.ControlPort,
			PairingPort: settings.PairingPort,
			Transport:   "tcp",
		},
	}
	encoded, err := qr.Encode(payload)
	if err != nil {
		log.Errorf("encode pairing QR payload: %v", err)
		return
	}
	fmt.Println("Scan this payload from the listener app to pair:")
	fmt.Println(encoded)
}

func printAdvertisement(ident *identity.DeviceIdentity, settings config.MonitorSettings) {
	ad := mdns.Advertisement{
		RemoteDeviceID:  ident.DeviceID,
		MonitorName:     settings.DeviceName,
		CertFingerprint: ident.CertFingerprint,
		ControlPort:     settings.ControlPort,
		PairingPort:     settings.PairingPort,
		Version:         1,
		Transport:       "tcp",
	}
	fmt.Printf("mDNS TXT record for %s (advertise externally):\n", mdns.ServiceType)
	for k, v := range ad.TXTRecord() {
		fmt.Printf("  %s=%s\n", k, v)
	}
}

func localIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out
}
