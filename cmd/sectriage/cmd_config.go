package main

// ---------------------------------------------------------------------------
// cmd_config.go: show, validate or initialize configuration
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/1sec-project/sectriage/internal/core"
)

func cmdConfig(args []string) {
	if len(args) > 0 && args[0] == "init" {
		cmdConfigInit(args[1:])
		return
	}

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	validate := fs.Bool("validate", false, "Validate config and exit")
	fs.Parse(args)

	cfg, err := core.LoadConfig(envConfig(*configPath))
	if err != nil {
		if *validate {
			fmt.Fprintf(os.Stderr, "%s Config invalid: %v\n", red("✗"), err)
			os.Exit(1)
		}
		errorf("loading config: %v", err)
	}

	if *validate {
		issues := validateConfig(cfg)
		if len(issues) > 0 {
			fmt.Fprintf(os.Stderr, "%s Config has %d issue(s):\n", red("✗"), len(issues))
			for _, issue := range issues {
				fmt.Fprintf(os.Stderr, "  - %s\n", issue)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s Config valid\n", green("✓"))
		return
	}

	// Keys are never echoed back.
	if n := len(cfg.Server.APIKeys); n > 0 {
		cfg.Server.APIKeys = []string{fmt.Sprintf("<%d key(s) redacted>", n)}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		errorf("encoding config: %v", err)
	}
	os.Stdout.Write(data)
}

func cmdConfigInit(args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	output := fs.String("output", defaultConfigPath, "Destination path")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*output); err == nil && !*force {
		errorf("%s already exists, pass --force to overwrite", *output)
	}
	if err := core.SaveConfig(core.DefaultConfig(), *output); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Wrote default configuration to %s\n", green("✓"), *output)
}
