// Command spider runs one personal-network base: it mediates encrypted
// links between paired peripherals and peer bases, resolving peer addresses
// through a Chord overlay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/spider-net/spider/processor"
	"github.com/spider-net/spider/ratelimiter"
)

func main() {
	app := &cli.App{
		Name:      "spider",
		Usage:     "run a personal-network base daemon",
		ArgsUsage: "[config_path]",
		Action:    run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configPath := c.Args().First()
	if configPath == "" {
		configPath = "spider_config.json"
	}

	v, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("spider: %w", err)
	}

	log := logrus.New()
	logFile, err := os.OpenFile(v.GetString("log_path"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("spider: open log file: %w", err)
	}
	defer logFile.Close()
	log.SetOutput(logFile)
	log.SetFormatter(&logrus.JSONFormatter{})
	entry := logrus.NewEntry(log)

	cfg := processor.Config{
		ListenAddr:      v.GetString("listen_addr"),
		BeaconAddr:      v.GetString("beacon_addr"),
		StatePath:       v.GetString("state_data_path"),
		DatasetRoot:     v.GetString("dataset_root"),
		PeripheralsRoot: v.GetString("peripherals_root"),
		KeyfilePath:     v.GetString("keyfile_path"),
		DefaultName:     v.GetString("default_name"),
		RateLimitPerSec: v.GetInt("rate_limit_per_sec"),
		RateLimitBurst:  v.GetInt("rate_limit_burst"),
	}

	p, err := processor.New(cfg, entry)
	if err != nil {
		return fmt.Errorf("spider: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return p.Run(ctx)
}

// loadConfig reads configPath via viper, falling back to defaults for any
// key the file omits, and for every key when the file is missing or cannot
// be read or parsed.
func loadConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("listen_addr", "0.0.0.0:1930")
	v.SetDefault("beacon_addr", "0.0.0.0:1930")
	v.SetDefault("log_path", "spider.log")
	v.SetDefault("state_data_path", "state.dat")
	v.SetDefault("dataset_root", "datasets")
	v.SetDefault("peripherals_root", "peripherals")
	v.SetDefault("keyfile_path", "")
	v.SetDefault("default_name", "spider")
	v.SetDefault("rate_limit_per_sec", ratelimiter.DefaultPacketsPerSecond)
	v.SetDefault("rate_limit_burst", ratelimiter.DefaultBurst)

	// A missing or unreadable file leaves every key at its default.
	_ = v.ReadInConfig()
	return v, nil
}
