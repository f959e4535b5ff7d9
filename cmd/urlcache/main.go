package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/url-cache/internal/cache"
	"github.com/iTrooz/url-cache/internal/config"
	"github.com/iTrooz/url-cache/internal/logging"
	"github.com/iTrooz/url-cache/internal/proxy"
	"github.com/iTrooz/url-cache/internal/urlcache"
)

const usage = `usage: urlcache [-config file] <command> [args]

commands:
  fetch <url>...   fetch each URL, sending the catalogued date if any
  lookup <url>     print the catalogued last-modified date
  list             print every catalog entry
  serve            run the caching proxy
  config           print the effective configuration`

// cliOptions holds the parsed command line
type cliOptions struct {
	configPath string
	command    string
	args       []string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		fmt.Fprintln(stdErr, usage)
		os.Exit(2)
	}
	os.Exit(run(opts))
}

func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("urlcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var configFlag string
	fs.StringVar(&configFlag, "config", "", "configuration file (default: URLCACHE_CONFIG, then built-in defaults)")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("failed to parse arguments: %w", err)
	}

	path := os.Getenv("URLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return cliOptions{}, errors.New("missing command")
	}

	opts := cliOptions{configPath: path, command: rest[0], args: rest[1:]}
	switch opts.command {
	case "fetch":
		if len(opts.args) == 0 {
			return cliOptions{}, errors.New("fetch needs at least one URL")
		}
	case "lookup":
		if len(opts.args) != 1 {
			return cliOptions{}, errors.New("lookup needs exactly one URL")
		}
	case "list", "serve", "config":
		if len(opts.args) != 0 {
			return cliOptions{}, fmt.Errorf("%s takes no arguments", opts.command)
		}
	default:
		return cliOptions{}, fmt.Errorf("unknown command %q", opts.command)
	}

	return opts, nil
}

// run executes the parsed command and returns the exit code
func run(opts cliOptions) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stdErr, "Invalid configuration: %v\n", err)
		return 1
	}

	if opts.command == "config" {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(stdErr, "Failed to render config: %v\n", err)
			return 1
		}
		_, _ = stdOut.Write(out)
		return 0
	}

	if err := logging.Init(cfg.Log); err != nil {
		fmt.Fprintf(stdErr, "Failed to initialize logging: %v\n", err)
		return 1
	}

	client, err := urlcache.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}

	switch opts.command {
	case "fetch":
		return runFetch(client, opts.args)
	case "lookup":
		return runLookup(client, opts.args[0])
	case "list":
		for _, entry := range client.Catalog().Entries() {
			fmt.Fprintf(stdOut, "%s\t%s\n", entry.URL, entry.LastModified)
		}
		return 0
	case "serve":
		server, err := proxy.New(cfg, client, cache.NewDisk(cfg.Storage.Root))
		if err != nil {
			fmt.Fprintf(stdErr, "Failed to create proxy server: %v\n", err)
			return 1
		}
		if err := server.Start(); err != nil {
			fmt.Fprintf(stdErr, "Server failed: %v\n", err)
			return 1
		}
		return 0
	}

	return 2
}

func runFetch(client *urlcache.Client, urls []string) int {
	for _, rawURL := range urls {
		result, err := client.Fetch(rawURL)
		if err != nil {
			fmt.Fprintln(stdErr, err.Error())
			return 1
		}

		state := "updated"
		if result.NotModified {
			state = "not modified"
		}
		fmt.Fprintf(stdOut, "%s %s (%s)\n", result.URL, state, result.LastModified)
	}

	logrus.Debugf("Fetched %d URLs", len(urls))
	return 0
}

func runLookup(client *urlcache.Client, rawURL string) int {
	date, err := client.LookupLastModified(rawURL)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}

	fmt.Fprintln(stdOut, urlcache.FormatDate(date))
	return 0
}
