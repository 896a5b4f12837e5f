package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/chunkwise/internal/engine"
	"github.com/tanq16/chunkwise/internal/utils"
)

var (
	outputPath       string
	configFile       string
	connections      int
	workers          int
	timeout          time.Duration
	kaTimeout        time.Duration
	userAgent        string
	proxyURL         string
	proxyUsername    string
	proxyPassword    string
	headers          []string
	bearerToken      string
	maxSpeed         int64
	retries          int
	minChunkSize     int64
	noReserve        bool
	debug            bool
	globalHTTPConfig utils.HTTPClientConfig
	engineConfig     engine.Config
)

var ChunkwiseVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "chunkwise [URL...]",
	Short:   "Chunkwise is a resumable multi-connection downloader",
	Version: ChunkwiseVersion,
	Args:    cobra.ArbitraryArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		if err := loadEngineConfig(cmd); err != nil {
			return err
		}
		buildHTTPConfig()
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
			return
		}
		if outputPath != "" && len(args) > 1 {
			log.Fatal().Msg("--output can only be used with a single URL")
		}
		var jobs []utils.Job
		for _, url := range args {
			jobs = append(jobs, newJob(utils.DetermineDownloadType(url), url, outputPath))
		}
		runJobs(jobs)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML file with transfer settings")
	rootCmd.PersistentFlags().IntVarP(&connections, "connections", "c", 8, "Number of connections per download (above 8 enables high-thread-mode)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 1, "Number of downloads to run in parallel")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Read timeout per chunk (eg. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "bearer-token", "", "Bearer token sent with every request")
	rootCmd.PersistentFlags().Int64Var(&maxSpeed, "max-speed", 0, "Bandwidth limit per download in bytes per second (0 is unlimited)")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 5, "Retries per chunk after the first failed attempt")
	rootCmd.PersistentFlags().Int64Var(&minChunkSize, "min-chunk-size", 1024*1024, "Downloads smaller than this use a single connection")
	rootCmd.PersistentFlags().BoolVar(&noReserve, "no-reserve", false, "Do not preallocate the output file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the source if not provided)")

	rootCmd.AddCommand(newHTTPCmd())
	rootCmd.AddCommand(newS3Cmd())
	rootCmd.AddCommand(newBlobCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// loadEngineConfig starts from the config file (or the defaults) and applies
// the flags the user set explicitly.
func loadEngineConfig(cmd *cobra.Command) error {
	engineConfig = engine.DefaultConfig()
	if configFile != "" {
		cfg, err := engine.LoadConfig(configFile)
		if err != nil {
			return err
		}
		engineConfig = cfg
	}
	flags := cmd.Flags()
	if flags.Changed("connections") || configFile == "" {
		engineConfig.ChunkCount = max(connections, 1)
		engineConfig.ParallelCount = max(connections, 1)
	}
	if flags.Changed("timeout") || configFile == "" {
		engineConfig.Timeout = timeout
	}
	if flags.Changed("max-speed") {
		engineConfig.MaximumSpeed = maxSpeed
	}
	if flags.Changed("retries") {
		engineConfig.MaxTryAgainOnFailover = retries
	}
	if flags.Changed("min-chunk-size") {
		engineConfig.MinimumSizeOfChunking = minChunkSize
	}
	if noReserve {
		engineConfig.ReserveStorageSpace = false
	}
	log.Debug().Str("op", "cmd/root").Interface("config", engineConfig).Msg("Engine configuration loaded")
	return nil
}

func buildHTTPConfig() {
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	// Check if proxy URL contains auth
	parsedProxy, err := u.Parse(proxyURL)
	if err == nil && parsedProxy.User != nil && proxyUsername == "" {
		proxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			proxyPassword = password
		}
		parsedProxy.User = nil
		proxyURL = parsedProxy.String()
	}
	globalHTTPConfig = utils.HTTPClientConfig{
		Timeout:        timeout,
		KATimeout:      kaTimeout,
		ProxyURL:       proxyURL,
		ProxyUsername:  proxyUsername,
		ProxyPassword:  proxyPassword,
		UserAgent:      userAgent,
		Headers:        utils.ParseHeaderArgs(headers),
		BearerToken:    bearerToken,
		HighThreadMode: connections > 8,
	}
}

func newJob(jobType, url, output string) utils.Job {
	return utils.Job{
		JobType:    jobType,
		URL:        url,
		OutputPath: output,
		HTTPConfig: globalHTTPConfig,
		Metadata:   make(map[string]any),
	}
}
