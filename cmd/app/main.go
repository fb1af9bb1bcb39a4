package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/pictura/internal"
	"github.com/starford/pictura/internal/auth"
	pkgconfig "github.com/starford/pictura/pkg/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
		internal.WithLogOutput(os.Stderr),
	}

	if err := internal.RunMCP(ctx, opts...); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}

	return nil
}

func sign(_ context.Context, cmd *cli.Command) error {
	canonical, err := auth.CanonicalString(cmd.String("url"))
	if err != nil {
		return err
	}
	ts := cmd.String("timestamp")
	if ts == "" {
		ts = auth.Timestamp(time.Now())
	}
	method := strings.ToUpper(cmd.String("method"))
	sig := auth.Sign(cmd.String("private-key"), method, canonical, cmd.String("public-key"), ts)

	fmt.Printf("%s: %s\n", auth.HeaderSignature, sig)
	fmt.Printf("%s: %s\n", auth.HeaderTimestamp, ts)
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "pictura",
		Usage:   "HTTP image server with signed writes, metadata search and short links",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server (default)",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio",
				Action: serveMCP,
			},
			{
				Name:   "sign",
				Usage:  "Print authentication headers for a write request",
				Action: sign,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "method", Aliases: []string{"X"}, Value: "PUT", Usage: "HTTP method"},
					&cli.StringFlag{Name: "url", Required: true, Usage: "Absolute request URL"},
					&cli.StringFlag{Name: "public-key", Required: true, Usage: "Public key of the account"},
					&cli.StringFlag{
						Name:     "private-key",
						Required: true,
						Usage:    "Private key of the account",
						Sources:  cli.EnvVars("PICTURA_PRIVATE_KEY"),
					},
					&cli.StringFlag{Name: "timestamp", Usage: "Timestamp to sign (default: now)"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
