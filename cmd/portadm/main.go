package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/porta"
	"github.com/raskyld/porta/pkg/bottle"
	"github.com/raskyld/porta/pkg/carrier"
	"github.com/raskyld/porta/pkg/carrier/quic"
	"github.com/raskyld/porta/pkg/carrier/tcp"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "portadm",
	Short: "Run and administer porta ports",
	Long: `portadm runs named ports and talks to them.

Ports find each other through a gossip registry when neighbours are
given, or through explicit contacts such as tcp://10.0.0.4:10000/cam.`,
	SilenceUsage: true,
}

// ─── serve ───────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve NAME",
	Short: "Run a port, print what it receives and send what is typed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		carrierName, _ := cmd.Flags().GetString("carrier")
		metricsAddr, _ := cmd.Flags().GetString("metrics")
		outputs, _ := cmd.Flags().GetStringSlice("connect")

		handler, err := logHandler(cmd)
		if err != nil {
			return err
		}

		var sink metrics.MetricSink = &metrics.BlackholeSink{}
		if metricsAddr != "" {
			promSink, err := prometheus.NewPrometheusSink()
			if err != nil {
				return fmt.Errorf("prometheus sink: %w", err)
			}
			sink = promSink
			srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics endpoint failed", "error", err)
				}
			}()
			defer srv.Close()
		}

		carriers, err := buildCarriers(cmd, handler, sink)
		if err != nil {
			return err
		}
		ns, closeNS, err := buildRegistry(cmd, handler, sink)
		if err != nil {
			return err
		}
		defer closeNS()

		p, err := porta.New(args[0],
			porta.WithLog(handler),
			porta.WithMetricSink(sink),
			porta.WithNameService(ns),
			porta.WithCarriers(carriers),
		)
		if err != nil {
			return err
		}
		defer p.Close()

		p.SetReader(porta.ReaderFunc(func(msg *porta.Message) error {
			fmt.Printf("[%s] %s\n", msg.Route.From, msg.Payload)
			return nil
		}))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		contact := carrier.Contact{Name: args[0], Host: host, Port: port, Carrier: carrierName}
		if err := p.Listen(ctx, contact, true); err != nil {
			return err
		}
		if err := p.Start(); err != nil {
			return err
		}

		for _, dest := range outputs {
			var diag strings.Builder
			if err := p.AddOutput(ctx, dest, porta.WithDiagnostics(&diag)); err != nil {
				slog.Warn("could not connect", "dest", dest, "error", err)
			}
			fmt.Println(diag.String())
		}

		fmt.Printf("  Port      : %s\n", p.Name())
		fmt.Printf("  Contact   : %s\n", p.Contact())
		if metricsAddr != "" {
			fmt.Printf("  Metrics   : http://%s/metrics\n", metricsAddr)
		}
		fmt.Printf("\n  Type a line to send it to every output, Ctrl-D to quit.\n\n")

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if _, err := p.Send(ctx, []byte(line)); err != nil {
					fmt.Printf("error: %v\n", err)
				}
			}
		}
	},
}

// ─── admin ───────────────────────────────────────────────────────────────────

var adminCmd = &cobra.Command{
	Use:   "admin TARGET COMMAND...",
	Short: "Send an administrative command to a port",
	Long: `Send an administrative command to a port and print its reply.

TARGET is a contact (tcp://host:port/name) or, with --neighbours, a port
name. Words written [like-this] are sent as vocabulary tags:

  portadm admin tcp://127.0.0.1:10000/cam [list] [out]
  portadm admin --neighbours 10.0.0.4 /cam [add] /viewer`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		handler, err := logHandler(cmd)
		if err != nil {
			return err
		}
		sink := &metrics.BlackholeSink{}

		carriers, err := buildCarriers(cmd, handler, sink)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		contact, err := resolveTarget(ctx, cmd, handler, args[0])
		if err != nil {
			return err
		}
		reply, err := porta.WriteAdmin(ctx, carriers, contact, bottle.FromArgs(args[1:]))
		if err != nil {
			return err
		}
		if reply.Get(0).Tag() == "many" {
			for _, line := range reply.Tail() {
				fmt.Println(line.AsString())
			}
			return nil
		}
		fmt.Println(reply.String())
		return nil
	},
}

// ─── names ───────────────────────────────────────────────────────────────────

var namesCmd = &cobra.Command{
	Use:   "names [PREFIX]",
	Short: "List the names known to the gossip registry",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settle, _ := cmd.Flags().GetDuration("settle")
		handler, err := logHandler(cmd)
		if err != nil {
			return err
		}
		ns, closeNS, err := buildRegistry(cmd, handler, &metrics.BlackholeSink{})
		if err != nil {
			return err
		}
		defer closeNS()

		// give the push/pull sync a chance to run.
		time.Sleep(settle)

		query := bottle.Bottle{bottle.String("list")}
		if len(args) > 0 {
			query = append(query, bottle.String(args[0]))
		}
		reply, err := ns.WriteToNameServer(cmd.Context(), query)
		if err != nil {
			return err
		}
		if len(reply) == 0 {
			fmt.Println("no names registered")
		}
		for _, reg := range reply {
			contact, err := porta.ParseRegistration(reg.AsList())
			if err != nil {
				continue
			}
			fmt.Printf("  %-32s %s\n", contact.Name, contact)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("tls-cert", "", "Certificate enabling the quic carrier")
	rootCmd.PersistentFlags().String("tls-key", "", "Private key of --tls-cert")
	rootCmd.PersistentFlags().String("tls-ca", "", "CA bundle verifying peers")
	rootCmd.PersistentFlags().String("node", "", "Gossip node name (defaults to the hostname)")
	rootCmd.PersistentFlags().String("gossip-bind", "0.0.0.0", "Gossip bind address")
	rootCmd.PersistentFlags().Int("gossip-port", 0, "Gossip bind port (0 = random)")
	rootCmd.PersistentFlags().StringSlice("neighbours", nil, "Gossip neighbours (host:port); without them names stay local")

	serveCmd.Flags().String("host", "0.0.0.0", "Address to listen on")
	serveCmd.Flags().Int("port", 0, "Port to listen on (0 = random)")
	serveCmd.Flags().String("carrier", tcp.Name, "Carrier to listen with (tcp or quic)")
	serveCmd.Flags().String("metrics", "", "Expose prometheus metrics on this address")
	serveCmd.Flags().StringSlice("connect", nil, "Ports to connect to once listening")

	adminCmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for the reply")
	namesCmd.Flags().Duration("settle", 2*time.Second, "How long to gossip before listing")

	rootCmd.AddCommand(serveCmd, adminCmd, namesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func logHandler(cmd *cobra.Command) (slog.Handler, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return handler, nil
}

// buildCarriers always offers tcp, and quic once TLS material is given.
func buildCarriers(cmd *cobra.Command, handler slog.Handler, sink metrics.MetricSink) (*carrier.Set, error) {
	set := carrier.NewSet(tcp.New())

	tlsConf, err := loadTlsConfig(cmd)
	if err != nil {
		return nil, err
	}
	if tlsConf == nil {
		return set, nil
	}
	q, err := quic.New(quic.Config{
		TlsConfig:  tlsConf,
		LogHandler: handler,
		MetricSink: sink,
	})
	if err != nil {
		return nil, err
	}
	set.Add(q)
	return set, nil
}

// buildRegistry joins the gossip cluster when neighbours are given.
func buildRegistry(cmd *cobra.Command, handler slog.Handler, sink metrics.MetricSink) (porta.NameService, func(), error) {
	neighbours, _ := cmd.Flags().GetStringSlice("neighbours")
	if len(neighbours) == 0 {
		return porta.NewLocalRegistry(handler), func() {}, nil
	}

	node, _ := cmd.Flags().GetString("node")
	if node == "" {
		node, _ = os.Hostname()
	}
	bind, _ := cmd.Flags().GetString("gossip-bind")
	port, _ := cmd.Flags().GetInt("gossip-port")

	g, err := porta.NewGossipRegistry(porta.GossipConfig{
		BindAddr:   bind,
		BindPort:   port,
		NodeName:   node,
		Neighbours: neighbours,
		LogHandler: handler,
		MetricSink: sink,
	})
	if err != nil {
		return nil, nil, err
	}
	return g, func() {
		if err := g.Close(); err != nil {
			slog.Warn("failed to leave the cluster", "error", err)
		}
	}, nil
}

func resolveTarget(ctx context.Context, cmd *cobra.Command, handler slog.Handler, target string) (carrier.Contact, error) {
	if strings.Contains(target, "://") {
		return carrier.ParseContact(target)
	}
	ns, closeNS, err := buildRegistry(cmd, handler, &metrics.BlackholeSink{})
	if err != nil {
		return carrier.Contact{}, err
	}
	defer closeNS()

	for {
		contact, err := ns.QueryName(ctx, target)
		if err == nil {
			return contact, nil
		}
		if !errors.Is(err, porta.ErrNameResolution) {
			return contact, err
		}
		select {
		case <-ctx.Done():
			return contact, fmt.Errorf("%s: %w", target, err)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func loadTlsConfig(cmd *cobra.Command) (*tls.Config, error) {
	cert, _ := cmd.Flags().GetString("tls-cert")
	key, _ := cmd.Flags().GetString("tls-key")
	ca, _ := cmd.Flags().GetString("tls-ca")
	if cert == "" && key == "" && ca == "" {
		return nil, nil
	}
	if ca == "" || cert == "" || key == "" {
		return nil, errors.New("all tls options must be provided")
	}

	keypair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load cert: %w", err)
	}

	caBytes, err := os.ReadFile(ca)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	caBundle.AppendCertsFromPEM(caBytes)

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
