package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/weadless/internal/config"
	"github.com/bryanchriswhite/weadless/internal/logger"
)

var (
	cfgFile string
	v       = viper.New()
	cfg     *config.Config

	rootCmd = &cobra.Command{
		Use:   "weadless",
		Short: "weadless - headless display with pluggable frame outputs",
		Long: `weadless drives an off-screen display at a fixed frame rate and hands
every frame to one output:

  • none    frames are produced and dropped
  • appsrc  H.264 over RTP (UDP) or a raw TCP stream via GStreamer
  • vnc     a built-in VNC server for any RFB viewer
  • mjpeg   a Motion JPEG stream served over HTTP
  • rtsp    reserved, currently behaves as none

Settings come from flags, WEADLESS_* environment variables and an
optional YAML config file.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-readable console logs")

	v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log_pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
