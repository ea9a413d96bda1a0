// Command mcpchat runs the chat assistant web application.
//
// Usage:
//
//	mcpchat serve --config config.yaml
//	mcpchat version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/mcpchat/pkg/config"
	"github.com/kadirpekel/mcpchat/pkg/logger"
	"github.com/kadirpekel/mcpchat/pkg/provision"
	"github.com/kadirpekel/mcpchat/pkg/registry"
	"github.com/kadirpekel/mcpchat/pkg/server"
	"github.com/kadirpekel/mcpchat/pkg/userconfig"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the web application."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("mcpchat version %s\n", version)
	return nil
}

// ServeCmd starts the web application.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	// .env files let local deployments keep API keys out of the config file.
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}

	registryClient := registry.NewClient(registry.WithToken(cfg.ToolMarket.Token))
	materializer := provision.NewMaterializer(registryClient, cfg.ToolMarket.StagingDir,
		provision.WithRuntimeCommand(cfg.ToolMarket.RuntimeCommand))

	srv := server.New(cfg, store, materializer, registryClient)

	log.Info("Starting mcpchat", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return srv.Start(ctx)
}

// newStore selects the settings backend: MongoDB when a URI is configured,
// otherwise an in-memory store that lasts for the process lifetime.
func newStore(ctx context.Context, cfg *config.Config) (userconfig.Store, error) {
	defaultModel := userconfig.WithDefaultModel(cfg.Agent.DefaultModel)
	if cfg.Storage.MongoURI == "" {
		logger.GetLogger().Warn("No MongoDB URI configured; user settings will not survive restarts")
		return userconfig.NewMemoryStore(defaultModel), nil
	}
	return userconfig.NewMongoStore(ctx, cfg.Storage.MongoURI, cfg.Storage.Database, defaultModel)
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("mcpchat"),
		kong.Description("Chat assistant with dynamically provisioned MCP tools."),
		kong.UsageOnError(),
	)

	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
