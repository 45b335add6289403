package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/adintel/internal/config"
	"github.com/JakeFAU/adintel/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", ".env", "Path to dotenv file, skipped when missing")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "load env failed: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}
