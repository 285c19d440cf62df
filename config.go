package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind    string
	port    int
	prefix  string
	profile bool
	tlsCert string
	tlsKey  string
	verbose bool
	version bool

	guessWindow     time.Duration
	revealDelay     time.Duration
	disconnectGrace time.Duration
	roundLimit      int
	lobbyTimeout    time.Duration
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.roundLimit < 1 {
		return fmt.Errorf("invalid round limit (must be at least 1): %d", c.roundLimit)
	}
	if c.guessWindow <= 0 || c.revealDelay <= 0 || c.disconnectGrace <= 0 {
		return errors.New("guess window, reveal delay and disconnect grace must all be positive")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MAPMATES")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "mapmates-server",
		Short:         "Authoritative multiplayer server for round-based geography quiz lobbies.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: MAPMATES_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 4000, "port to listen on (env: MAPMATES_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: MAPMATES_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: MAPMATES_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: MAPMATES_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: MAPMATES_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: MAPMATES_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: MAPMATES_VERSION)")

	fs.DurationVar(&cfg.guessWindow, "guess-window", 10*time.Second, "response window armed by the first guess of a round (env: MAPMATES_GUESS_WINDOW)")
	fs.DurationVar(&cfg.revealDelay, "reveal-delay", 2*time.Second, "pause between revealing a round and dealing the next (env: MAPMATES_REVEAL_DELAY)")
	fs.DurationVar(&cfg.disconnectGrace, "disconnect-grace", 20*time.Second, "reconnection window granted by the host after a disconnect (env: MAPMATES_DISCONNECT_GRACE)")
	fs.IntVar(&cfg.roundLimit, "round-limit", 20, "rounds per game (env: MAPMATES_ROUND_LIMIT)")
	fs.DurationVar(&cfg.lobbyTimeout, "lobby-timeout", 60*time.Minute, "time before idle lobbies are ended (env: MAPMATES_LOBBY_TIMEOUT)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("mapmates-server v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
