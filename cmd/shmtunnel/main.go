package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"shmtunnel/internal/app"
	"shmtunnel/pkg/config"
	"shmtunnel/pkg/local"
	"shmtunnel/pkg/proto"
)

func main() {
	if len(os.Args) < 2 {
		exitf("usage: shmtunnel <tunnel|loopback|nodes|services|config> [flags]")
	}
	switch os.Args[1] {
	case "tunnel":
		runTunnel(os.Args[2:])
	case "loopback":
		runLoopback(os.Args[2:])
	case "nodes":
		runNodes(os.Args[2:])
	case "services":
		runServices(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	default:
		exitf("unknown subcommand %q", os.Args[1])
	}
}

func runTunnel(args []string) {
	fs := pflag.NewFlagSet("tunnel", pflag.ExitOnError)
	cfgPath := fs.String("config", "", "optional path to config file")
	bridgeAll := fs.Bool("bridge-all", false, "bridge every remote service in without an allow list")
	allow := fs.StringSlice("allow", nil, "service name patterns admitted for inbound bridging")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	withLoopback := fs.Bool("loopback", false, "also run the loopback smoke role")
	parse(fs, args)

	cfg := loadConfig(*cfgPath)
	if fs.Changed("bridge-all") {
		cfg.BridgeAll = *bridgeAll
	}
	if fs.Changed("allow") {
		cfg.Allow = *allow
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		exitf("invalid config: %v", err)
	}

	log := newLogger(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, app.Roles{Tunnel: true, Loopback: *withLoopback}, log); err != nil {
		log.Errorw("node failed", "error", err)
		os.Exit(1)
	}
}

func runLoopback(args []string) {
	fs := pflag.NewFlagSet("loopback", pflag.ExitOnError)
	cfgPath := fs.String("config", "", "optional path to config file")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	parse(fs, args)

	cfg := loadConfig(*cfgPath)
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		exitf("invalid config: %v", err)
	}

	log := newLogger(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, app.Roles{Loopback: true}, log); err != nil {
		log.Errorw("loopback failed", "error", err)
		os.Exit(1)
	}
}

func runNodes(args []string) {
	fs := pflag.NewFlagSet("nodes", pflag.ExitOnError)
	cfgPath := fs.String("config", "", "optional path to config file")
	asJSON := fs.Bool("json", false, "emit json instead of a table")
	parse(fs, args)

	cfg := loadConfig(*cfgPath)
	reg, err := local.OpenRegistry(cfg.RegistryRoot)
	if err != nil {
		exitf("open registry: %v", err)
	}
	defer reg.Close()

	nodes, skipped, err := reg.ListNodes()
	if err != nil {
		exitf("list nodes: %v", err)
	}
	if *asJSON {
		writeJSON(nodes)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPID\tSTARTED")
	for _, node := range nodes {
		fmt.Fprintf(w, "%s\t%d\t%s\n", node.Name, node.PID, node.StartedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d malformed descriptors\n", skipped)
	}
}

func runServices(args []string) {
	fs := pflag.NewFlagSet("services", pflag.ExitOnError)
	cfgPath := fs.String("config", "", "optional path to config file")
	asJSON := fs.Bool("json", false, "emit json instead of a table")
	parse(fs, args)

	cfg := loadConfig(*cfgPath)
	reg, err := local.OpenRegistry(cfg.RegistryRoot)
	if err != nil {
		exitf("open registry: %v", err)
	}
	defer reg.Close()

	services, skipped, err := reg.ListServices()
	if err != nil {
		exitf("list services: %v", err)
	}
	if rest := fs.Args(); len(rest) > 0 {
		name := rest[0]
		filtered := services[:0]
		for _, svc := range services {
			if svc.Identity.Name == name {
				filtered = append(filtered, svc)
			}
		}
		services = filtered
	}
	if *asJSON {
		writeJSON(services)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tCLASS\tPUB\tSUB\tNODE")
	for _, svc := range services {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			svc.Identity.Name,
			svc.Identity.TypeSignature,
			proto.ResolveTypeClass(svc.Identity.TypeSignature).String(),
			svc.Publishers,
			svc.Subscribers,
			svc.Node)
	}
	w.Flush()
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d malformed descriptors\n", skipped)
	}
}

func runConfig(args []string) {
	if len(args) < 1 {
		exitf("usage: shmtunnel config <show|validate> [flags]")
	}
	verb := args[0]
	fs := pflag.NewFlagSet("config "+verb, pflag.ExitOnError)
	cfgPath := fs.String("config", "", "optional path to config file")
	parse(fs, args[1:])

	cfg := loadConfig(*cfgPath)
	switch verb {
	case "show":
		out, err := cfg.Render()
		if err != nil {
			exitf("render config: %v", err)
		}
		fmt.Print(out)
	case "validate":
		if err := cfg.Validate(); err != nil {
			exitf("invalid config: %v", err)
		}
		fmt.Println("ok")
	default:
		exitf("unknown config verb %q", verb)
	}
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		exitf("load config: %v", err)
	}
	return cfg
}

func parse(fs *pflag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		exitf("parse flags failed: %v", err)
	}
}

func newLogger(level string) *zap.SugaredLogger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		exitf("build logger: %v", err)
	}
	return log.Sugar()
}

func writeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		exitf("encode json failed: %v", err)
	}
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
