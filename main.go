package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/floyd-ryan/scribe/internal"
	"github.com/floyd-ryan/scribe/internal/pipeline"
	"github.com/floyd-ryan/scribe/internal/video"
	"github.com/joho/godotenv"
)

const usage = `Usage: scribe <command> [options]

Commands:
  run     Execute one pipeline pass: discover, download, split and transcribe pending videos
  stats   Report counts of videos and segments by state
  list    Enumerate known videos, most recently discovered first
  reset   Destroy ALL progress state (test/dev environments only)

Common options:
  -config path    Configuration file (default "scribe.yaml")
`

// main is the entry point to the program: parse the command surface,
// load user configuration, and dispatch to the Scribe core.
func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]
	if err := dispatch(command, args); err != nil {
		if pipeline.IsFatal(err) {
			fmt.Fprintf(os.Stderr, "scribe: fatal: %s\n", err.Error())
		} else {
			fmt.Fprintf(os.Stderr, "scribe: %s\n", err.Error())
		}
		os.Exit(1)
	}
}

func dispatch(command string, args []string) error {
	switch command {
	case "run":
		return runCommand(args)
	case "stats":
		return statsCommand(args)
	case "list":
		return listCommand(args)
	case "reset":
		return resetCommand(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runCommand(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := flags.String("config", "scribe.yaml", "configuration file path")
	maxVideos := flags.Int("max-videos", 0, "override the maximum number of videos processed this pass")
	parallel := flags.Bool("parallel", false, "process videos across a bounded worker pool")
	maxWorkers := flags.Int("max-workers", 4, "worker count when -parallel is set")
	flags.Parse(args)

	config, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	if *maxVideos > 0 {
		config.Pipeline.MaxVideos = *maxVideos
	}
	if *parallel {
		config.Pipeline.Parallelism = *maxWorkers
	} else {
		config.Pipeline.Parallelism = 1
	}

	if err := config.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	scribe := internal.New(*config)
	if err := scribe.Connect(); err != nil {
		return err
	}
	defer scribe.Close()

	return scribe.RunPass(ctx)
}

func statsCommand(args []string) error {
	flags := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := flags.String("config", "scribe.yaml", "configuration file path")
	flags.Parse(args)

	scribe, err := connectedScribe(*configPath)
	if err != nil {
		return err
	}
	defer scribe.Close()

	return scribe.PrintStats()
}

func listCommand(args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := flags.String("config", "scribe.yaml", "configuration file path")
	pendingOnly := flags.Bool("pending", false, "only list videos that are not yet complete")
	completedOnly := flags.Bool("completed", false, "only list completed videos")
	flags.Parse(args)

	if *pendingOnly && *completedOnly {
		return fmt.Errorf("-pending and -completed are mutually exclusive")
	}

	filter := video.ListAll
	if *pendingOnly {
		filter = video.ListPendingOnly
	} else if *completedOnly {
		filter = video.ListCompletedOnly
	}

	scribe, err := connectedScribe(*configPath)
	if err != nil {
		return err
	}
	defer scribe.Close()

	return scribe.PrintVideos(filter)
}

func resetCommand(args []string) error {
	flags := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := flags.String("config", "scribe.yaml", "configuration file path")
	flags.Parse(args)

	scribe, err := connectedScribe(*configPath)
	if err != nil {
		return err
	}
	defer scribe.Close()

	return scribe.Reset()
}

func loadConfig(configPath string) (*internal.ScribeConfig, error) {
	config := &internal.ScribeConfig{}
	if err := config.LoadFromFile(configPath); err != nil {
		return nil, err
	}

	return config, nil
}

func connectedScribe(configPath string) (*internal.Scribe, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	scribe := internal.New(*config)
	if err := scribe.Connect(); err != nil {
		return nil, err
	}

	return scribe, nil
}
