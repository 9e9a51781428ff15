// Package main provides the entry point for the Gemini OAuth proxy.
// The proxy reuses the OAuth login of the Gemini CLI and exposes the public Gemini
// generateContent API on a local port, so standard Gemini SDKs can talk to the
// Code Assist backend without an API key.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/router-for-me/gemini-oauth-proxy/internal/buildinfo"
	"github.com/router-for-me/gemini-oauth-proxy/internal/cmd"
	"github.com/router-for-me/gemini-oauth-proxy/internal/config"
	"github.com/router-for-me/gemini-oauth-proxy/internal/logging"
	"github.com/router-for-me/gemini-oauth-proxy/internal/util"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var host string
	var port int
	var projectID string
	var credentialsPath string
	var debug bool
	var showVersion bool

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.StringVar(&host, "host", "", "Listen address (default 127.0.0.1)")
	flag.IntVar(&port, "port", 0, "Listen port (default 9876)")
	flag.StringVar(&projectID, "project-id", "", "Pin the Code Assist project and skip auto-provisioning")
	flag.StringVar(&credentialsPath, "credentials", "", "Path to the Gemini CLI oauth_creds.json")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Print the version and exit")

	flag.CommandLine.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "Usage of %s\n", os.Args[0])
		flag.CommandLine.VisitAll(func(f *flag.Flag) {
			s := fmt.Sprintf("  -%s", f.Name)
			name, unquoteUsage := flag.UnquoteUsage(f)
			if name != "" {
				s += " " + name
			}
			if len(s) <= 4 {
				s += "	"
			} else {
				s += "\n    "
			}
			if unquoteUsage != "" {
				s += unquoteUsage
			}
			if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" {
				s += fmt.Sprintf(" (default %s)", f.DefValue)
			}
			_, _ = fmt.Fprint(out, s+"\n")
		})
	}

	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.Summary())
		return
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	configFilePath := configPath
	if configFilePath == "" {
		if value, ok := os.LookupEnv("GEMINI_PROXY_CONFIG"); ok && value != "" {
			configFilePath = value
		} else {
			configFilePath = filepath.Join(wd, "config.yaml")
		}
	}
	// An explicit -config must exist; the implicit config.yaml is optional.
	cfg, err := config.LoadConfigOptional(configFilePath, configPath == "")
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}
	cfg.ApplyEnvOverrides(os.LookupEnv)

	// Flags win over the file and the environment.
	if host != "" {
		cfg.Host = host
	}
	if port > 0 {
		cfg.Port = port
	}
	if projectID != "" {
		cfg.ProjectID = projectID
	}
	if credentialsPath != "" {
		cfg.CredentialsPath = credentialsPath
	}
	if debug {
		cfg.Debug = true
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}

	log.Info(buildinfo.Summary())

	// Set the log level based on the configuration.
	util.SetLogLevel(cfg)

	if _, errStat := os.Stat(configFilePath); errStat != nil {
		configFilePath = ""
	}
	cmd.StartService(cfg, configFilePath)
}
