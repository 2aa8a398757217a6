package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskpilot/deskpilot/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify deskpilot configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/deskpilot/config.yaml
Project-specific overrides can be placed in .deskpilot.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("server.host: %s\n", cfg.Server.Host)
	fmt.Printf("server.port: %d\n", cfg.Server.Port)
	fmt.Printf("scheduler.max_attempts: %d\n", cfg.Scheduler.MaxAttempts)
	fmt.Printf("scheduler.backoff: %s\n", cfg.Scheduler.Backoff)
	fmt.Printf("scheduler.max_workers: %d\n", cfg.Scheduler.MaxWorkers)
	fmt.Printf("agents.gui_max_steps: %d\n", cfg.Agents.GUIMaxSteps)
	fmt.Printf("poll.interval: %s\n", cfg.Poll.Interval)
	fmt.Printf("debug.log_file: %s\n", cfg.Debug.LogFile)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	switch key {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey != "" {
			fmt.Println("****")
		} else {
			fmt.Println("(not set)")
		}
	case "anthropic.model":
		fmt.Println(cfg.Anthropic.Model)
	case "anthropic.use_bedrock":
		fmt.Println(cfg.Anthropic.UseBedrock)
	case "server.host":
		fmt.Println(cfg.Server.Host)
	case "server.port":
		fmt.Println(cfg.Server.Port)
	case "scheduler.max_attempts":
		fmt.Println(cfg.Scheduler.MaxAttempts)
	case "scheduler.backoff":
		fmt.Println(cfg.Scheduler.Backoff)
	case "scheduler.max_workers":
		fmt.Println(cfg.Scheduler.MaxWorkers)
	case "agents.gui_max_steps":
		fmt.Println(cfg.Agents.GUIMaxSteps)
	case "poll.interval":
		fmt.Println(cfg.Poll.Interval)
	case "debug.log_file":
		fmt.Println(cfg.Debug.LogFile)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown config key %q\n", key)
		os.Exit(1)
	}
}

// setConfigKey updates a configuration value and saves it.
func setConfigKey(cfg *config.Config, key, value string) {
	var err error
	switch key {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		cfg.Anthropic.UseBedrock, err = strconv.ParseBool(value)
	case "server.host":
		cfg.Server.Host = value
	case "server.port":
		cfg.Server.Port, err = strconv.Atoi(value)
	case "scheduler.max_attempts":
		cfg.Scheduler.MaxAttempts, err = strconv.Atoi(value)
	case "scheduler.backoff":
		cfg.Scheduler.Backoff, err = time.ParseDuration(value)
	case "scheduler.max_workers":
		cfg.Scheduler.MaxWorkers, err = strconv.Atoi(value)
	case "agents.gui_max_steps":
		cfg.Agents.GUIMaxSteps, err = strconv.Atoi(value)
	case "poll.interval":
		cfg.Poll.Interval, err = time.ParseDuration(value)
	case "debug.log_file":
		cfg.Debug.LogFile = value
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown config key %q\n", key)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid value %q for %s: %v\n", value, key, err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s = %s\n", key, value)
}
