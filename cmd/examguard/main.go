package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/MrCodeEU/examguard/pkg/config"
	"github.com/MrCodeEU/examguard/pkg/directory"
	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/recognition"
)

const version = "0.3.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

func init() {
	commands = map[string]*Command{
		"enroll": {
			Name:        "enroll",
			Description: "Enroll a reference face from one image or a directory of images",
			Usage:       "examguard enroll <identity> <image.jpg|dir>",
			Run:         cmdEnroll,
		},
		"verify": {
			Name:        "verify",
			Description: "Verify an image against an enrolled identity",
			Usage:       "examguard verify <identity> <image.jpg>",
			Run:         cmdVerify,
		},
		"supervise": {
			Name:        "supervise",
			Description: "Run periodic supervision against a directory of frames",
			Usage:       "examguard supervise [-interval 30s] [-duration 5m] <identity> <dir>",
			Run:         cmdSupervise,
		},
		"remove": {
			Name:        "remove",
			Description: "Remove an identity's profile",
			Usage:       "examguard remove <identity>",
			Run:         cmdRemove,
		},
		"list": {
			Name:        "list",
			Description: "List all identities in the directory",
			Usage:       "examguard list",
			Run:         cmdList,
		},
		"role": {
			Name:        "role",
			Description: "Assign, cache or check access roles",
			Usage:       "examguard role set <identity> <role> | role check <identity> <role,...>",
			Run:         cmdRole,
		},
		"token": {
			Name:        "token",
			Description: "Issue an API session token for an identity",
			Usage:       "examguard token <identity>",
			Run:         cmdToken,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "examguard config",
			Run:         cmdConfig,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download the dlib face models",
			Usage:       "examguard download-models [dir]",
			Run:         cmdDownloadModels,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "examguard version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "examguard help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()

	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	cfg.ApplyEnv(*envFile)
	cfg.ExpandPaths()

	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Setup(logging.Options{Level: logLevel, File: cfg.Logging.File, Format: cfg.Logging.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("examguard v%s starting", version)

	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		os.Exit(1)
	}

	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func printUsage() {
	fmt.Println("examguard - identity verification and supervision for online tests")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: examguard [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -env <file>      Path to .env file (default .env)")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("\nCommands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-16s %s\n", name, commands[name].Description)
	}

	fmt.Println("\nExamples:")
	fmt.Println("  examguard enroll alice ./alice.jpg        # Enroll 'alice'")
	fmt.Println("  examguard verify alice ./webcam.jpg       # Check a snapshot")
	fmt.Println("  examguard supervise -interval 5s alice ./frames")
	fmt.Println("\nRun 'examguard help <command>' for more information on a command.")
}

func openStore(ctx context.Context) (directory.Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return directory.Open(ctx, cfg.Directory)
}

func newEngine() (*recognition.Engine, error) {
	if missing := recognition.MissingModelFiles(cfg.Recognition.ModelPath); len(missing) > 0 {
		return nil, fmt.Errorf("models missing in %s: %v (run 'examguard download-models')", cfg.Recognition.ModelPath, missing)
	}
	return recognition.NewEngine(cfg.Recognition.ModelPath), nil
}
