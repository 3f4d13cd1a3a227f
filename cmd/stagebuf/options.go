package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

// Options are the command-line flags. Struct tags are interpreted by
// github.com/jessevdk/go-flags.
type Options struct {
	Config   string `short:"c" long:"config" env:"STAGEBUF_CONFIG" default:"config/application.yaml" description:"path to the YAML configuration file"`
	LogLevel string `long:"log-level" description:"override observability.logging.level (debug, info, warn, error)"`
	Version  bool   `long:"version" description:"print the version and exit"`
}

// parseOptions parses args. A missing config file is not an error here;
// the loader falls back to defaults and environment overrides.
func parseOptions(args []string) (*Options, error) {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "stagebuf"

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// isHelp reports whether err came from -h/--help.
func isHelp(err error) bool {
	if ferr, ok := err.(*flags.Error); ok {
		return ferr.Type == flags.ErrHelp
	}
	return false
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "stagebuf"
	}
	return name
}
