package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wafproxy/internal/monitor"
	"wafproxy/internal/seclog"
	"wafproxy/internal/shipper"
	"wafproxy/pkg/key"
	"wafproxy/pkg/proxy"
	"wafproxy/pkg/waf"
)

var serveCmd = &cobra.Command{
	Use:   "serve <dst_host> <dst_port> <rule_set>...",
	Short: "Protect dst_host:dst_port with the rules matched by the rule set globs",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&cfg.SrcHost, "src-host", "s", cfg.SrcHost, "IP address to listen on.")
	f.IntVarP(&cfg.SrcPort, "src-port", "p", cfg.SrcPort, "Port to listen on.")
	f.BoolVar(&cfg.SSL, "ssl", false, "Accept clients over TLS.")
	f.StringVarP(&cfg.CertPath, "cert", "c", "", "PEM certificate for --ssl.")
	f.StringVarP(&cfg.KeyPath, "key", "k", "", "PEM private key for --ssl.")
	f.StringVar(&cfg.DenyTemplate, "deny-template", "", "Response sent to blocked clients. Defaults to a built-in 403.")
	f.StringVar(&cfg.RedirectTemplate, "redirect-template", "", "Response sent on redirect, {{url}} is the target. Defaults to a built-in 302.")
	f.IntVar(&cfg.BufferSoft, "buffer-soft", cfg.BufferSoft, "Bytes queued per direction before a flush.")
	f.IntVar(&cfg.BufferHard, "buffer-hard", cfg.BufferHard, "Bytes queued per direction before the session is dropped.")
	f.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Timeout connecting to the destination.")
	f.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "How long a closing session waits for a slow peer to take its queued bytes.")
	f.StringVar(&cfg.MonitorAddr, "monitor-addr", "", "Address of the websocket monitor. Empty disables it.")
	f.StringVar(&cfg.MonitorSecret, "monitor-secret", "", "Token monitor clients must pass.")
	addShipFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid destination port %q", args[1])
	}
	cfg.DstHost, cfg.DstPort, cfg.RuleSets = args[0], port, args[2:]
	if err := cfg.Validate(); err != nil {
		return err
	}

	engine := waf.NewEngine()
	files, err := engine.LoadGlobs(cfg.RuleSets)
	if err != nil {
		return err
	}
	zap.S().Infof("loaded %v rules from %v files, rule engine %v", len(engine.Rules()), len(files), engine.Mode())

	templates, err := proxy.LoadTemplates(cfg.RedirectTemplate, cfg.DenyTemplate)
	if err != nil {
		return err
	}
	pcfg := proxy.Config{
		Listen:       cfg.ListenAddr(),
		Target:       cfg.TargetAddr(),
		DialTimeout:  cfg.DialTimeout,
		BufferSoft:   cfg.BufferSoft,
		BufferHard:   cfg.BufferHard,
		DrainTimeout: cfg.DrainTimeout,
		Templates:    templates,
	}
	if cfg.SSL {
		if pcfg.TLS, err = key.LoadServerTLSConfig(cfg.CertPath, cfg.KeyPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	registry := proxy.NewRegistry()
	opts := []proxy.Option{
		proxy.WithLogger(zap.L().Named("proxy")),
		proxy.WithRegistry(registry),
	}

	if cfg.LogDir != "" {
		sl, err := seclog.Open(cfg.LogDir)
		if err != nil {
			return err
		}
		defer sl.Close()
		opts = append(opts, proxy.WithSecurityLog(sl))

		sh, closeShipper, err := newShipper(ctx, sl.Path())
		if err != nil {
			return err
		}
		defer closeShipper()
		g.Go(func() error { return sh.Run(ctx) })
	}

	if cfg.MonitorAddr != "" {
		hub := monitor.New(monitor.Config{Addr: cfg.MonitorAddr, Secret: cfg.MonitorSecret}, registry,
			monitor.WithLogger(zap.L().Named("monitor")))
		opts = append(opts, proxy.WithObserver(hub))
		g.Go(func() error { return hub.ListenAndServe(ctx) })
	}

	srv := proxy.NewServer(pcfg, engine, opts...)
	if err := srv.Listen(); err != nil {
		stop()
		g.Wait()
		return err
	}
	g.Go(func() error { return srv.Serve(ctx) })

	err = g.Wait()
	zap.S().Infof("WAF proxy stopped")
	return err
}

// newShipper wires the shipper to the stores named on the command line.
// The returned func releases them.
func newShipper(ctx context.Context, logPath string) (*shipper.Shipper, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	scfg := shipper.Config{
		LogPath:   logPath,
		BackupDir: cfg.BackupDir,
		Interval:  cfg.ShipInterval,
	}
	if cfg.Descriptions != "" {
		ds, err := shipper.LoadDescriptions(cfg.Descriptions)
		if err != nil {
			return nil, nil, err
		}
		scfg.Descriptions = ds
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, nil, err
	}

	catalog, err := shipper.OpenCatalog(cfg.CatalogPath())
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() { catalog.Close() })
	opts := []shipper.Option{
		shipper.WithLogger(zap.L().Named("shipper")),
		shipper.WithCatalog(catalog),
	}

	if cfg.Mongo.URI != "" {
		idx, err := shipper.NewMongoIndexer(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { idx.Close(context.Background()) })
		opts = append(opts, shipper.WithIndexer(idx))
	}
	if cfg.Minio.Endpoint != "" {
		up, err := shipper.NewMinioUploader(ctx, shipper.MinioConfig{
			Endpoint:        cfg.Minio.Endpoint,
			AccessKeyID:     cfg.Minio.AccessKey,
			SecretAccessKey: cfg.Minio.SecretKey,
			UseSSL:          cfg.Minio.SSL,
			Bucket:          cfg.Minio.Bucket,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, shipper.WithUploader(up))
	}
	return shipper.New(scfg, opts...), cleanup, nil
}
