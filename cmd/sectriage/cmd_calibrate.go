package main

// ---------------------------------------------------------------------------
// cmd_calibrate.go: calibration diagnostics and temperature search
// ---------------------------------------------------------------------------

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/1sec-project/sectriage/internal/trust"
)

func cmdCalibrate(args []string) {
	flags := flag.NewFlagSet("calibrate", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "Config file path")
	file := flags.String("file", "", "Calibration file override")
	optimize := flags.Bool("optimize", false, "Search for the best temperature and save it")
	format := flags.String("format", "table", "Output: table, json")
	flags.Parse(args)

	cfg, logger := loadConfig(*configPath, "")
	path := cfg.Trust.CalibrationPath
	if *file != "" {
		path = *file
	}
	if path == "" {
		errorf("no calibration file configured, pass --file")
	}

	cal := trust.NewCalibrator(cfg.Trust.Temperature, cfg.Trust.Threshold, cfg.Trust.MaxSamples)
	if err := cal.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			errorf("calibration file %s not found, triage labelled events first", path)
		}
		errorf("loading calibration data: %v", err)
	}

	previous := cal.Temperature()
	if *optimize {
		t, err := cal.OptimizeTemperature()
		if err != nil {
			errorf("%v", err)
		}
		if err := cal.Save(path); err != nil {
			errorf("saving calibration data: %v", err)
		}
		logger.Info().Float64("previous", previous).Float64("temperature", t).Str("path", path).Msg("temperature optimized")
	}

	report, err := cal.Metrics()
	if err != nil {
		var insufficient *trust.InsufficientDataError
		if errors.As(err, &insufficient) {
			warnf("only %d labelled sample(s) in %s, metrics need %d", insufficient.Have, path, insufficient.Need)
			os.Exit(1)
		}
		errorf("computing metrics: %v", err)
	}

	if *format == "json" {
		out := map[string]interface{}{
			"path":        path,
			"temperature": cal.Temperature(),
			"threshold":   cal.Threshold(),
			"metrics":     report,
		}
		if *optimize {
			out["previous_temperature"] = previous
		}
		if err := printJSON(os.Stdout, out); err != nil {
			errorf("encoding metrics: %v", err)
		}
		return
	}

	renderCalibration(os.Stdout, cal.Temperature(), cal.Threshold(), report)
	if *optimize {
		fmt.Fprintf(os.Stderr, "%s Temperature %.2f -> %.2f saved to %s\n", green("✓"), previous, cal.Temperature(), path)
	}
}
