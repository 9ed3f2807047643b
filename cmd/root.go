package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/streamfetch/internal/config"
	"github.com/tanq16/streamfetch/internal/download"
	"github.com/tanq16/streamfetch/internal/transport"
	"github.com/tanq16/streamfetch/internal/utils"
)

var (
	configPath string
	loader     = config.NewLoader()
	globalCfg  *config.Config
)

var StreamfetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "streamfetch",
	Short:   "streamfetch downloads HLS streams through a shared fragment scheduler",
	Version: StreamfetchVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loader.Load(configPath)
		if err != nil {
			return err
		}
		utils.InitLogger(cfg.Log.Debug, cfg.Log.Format)
		globalCfg = cfg
		log.Debug().Str("op", "cmd/root").Msgf("loaded config: workers=%d cache=%d", cfg.Workers, cfg.CacheSize)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default: ./streamfetch.yaml or the user config dir)")
	flags.IntP("workers", "w", 4, "Number of fragment downloaders (above 8 enables high-thread-mode)")
	flags.DurationP("timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	flags.DurationP("keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringP("user-agent", "a", transport.DefaultUserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringP("proxy", "p", "", "HTTP/HTTPS/SOCKS5 proxy URL (e.g., socks5://127.0.0.1:1080)")
	flags.String("proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.String("proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayP("header", "H", []string{}, "Custom headers (like 'Referer: https://example.com'); can be specified multiple times")
	flags.String("bearer-token", "", "Bearer token sent with every request")
	flags.Int64("rate-limit", 0, "Combined download rate limit in bytes per second (0 disables)")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("log-format", "console", "Log format (console or json)")

	bind := map[string]string{
		"workers":            "workers",
		"timeout":            "http.timeout",
		"keep-alive-timeout": "http.keep_alive",
		"user-agent":         "http.user_agent",
		"proxy":              "http.proxy",
		"proxy-username":     "http.proxy_username",
		"proxy-password":     "http.proxy_password",
		"header":             "http.headers",
		"bearer-token":       "http.bearer_token",
		"rate-limit":         "http.rate_limit",
		"debug":              "log.debug",
		"log-format":         "log.format",
	}
	for flag, key := range bind {
		if err := loader.Viper().BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newProbeCmd())
}

// bindFlags binds command-local flags to config keys.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		if err := loader.Viper().BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}
}

func newHTTPClient(cfg *config.Config) (*transport.Client, error) {
	userAgent := cfg.HTTP.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	proxyURL, proxyUser, proxyPass := utils.SplitProxyAuth(cfg.HTTP.Proxy, cfg.HTTP.ProxyUsername, cfg.HTTP.ProxyPassword)
	return transport.NewClient(transport.Config{
		Timeout:        cfg.HTTP.Timeout,
		KATimeout:      cfg.HTTP.KeepAlive,
		ProxyURL:       proxyURL,
		ProxyUsername:  proxyUser,
		ProxyPassword:  proxyPass,
		UserAgent:      userAgent,
		Headers:        utils.ParseHeaderArgs(cfg.HTTP.Headers),
		BearerToken:    cfg.HTTP.BearerToken,
		RateLimit:      cfg.HTTP.RateLimit,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		HighThreadMode: cfg.Workers > 8,
	})
}

// managerConfig maps the loaded config onto the scheduler. A configured
// worker count of zero starts an empty pool.
func managerConfig(cfg *config.Config) download.Config {
	workers := cfg.Workers
	if workers == 0 {
		workers = -1
	}
	return download.Config{
		Downloaders:  workers,
		CacheSize:    cfg.CacheSize,
		MaxEntrySize: cfg.MaxEntrySize,
		SpoolDir:     cfg.SpoolDir,
	}
}
