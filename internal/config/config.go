// Package config holds the settings of a weadless process. Values come
// from defaults, an optional YAML file, WEADLESS_* environment variables
// and command-line flags, merged by viper in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/video"
)

// EnvPrefix is the prefix of environment overrides, e.g. WEADLESS_OUTPUT_KIND.
const EnvPrefix = "WEADLESS"

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	RenderNode string        `json:"render_node" yaml:"render_node" mapstructure:"render_node"`
	Display    DisplayConfig `json:"display" yaml:"display" mapstructure:"display"`
	Output     OutputConfig  `json:"output" yaml:"output" mapstructure:"output"`
	StatusPort int           `json:"status_port" yaml:"status_port" mapstructure:"status_port"`
	LogLevel   string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool          `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
}

// DisplayConfig is the requested video mode.
type DisplayConfig struct {
	Width  int    `json:"width" yaml:"width" mapstructure:"width"`
	Height int    `json:"height" yaml:"height" mapstructure:"height"`
	FPS    int    `json:"fps" yaml:"fps" mapstructure:"fps"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
}

// OutputConfig selects and configures the output backend.
type OutputConfig struct {
	Kind           string `json:"kind" yaml:"kind" mapstructure:"kind"`
	Address        string `json:"address" yaml:"address" mapstructure:"address"`
	Protocol       string `json:"protocol" yaml:"protocol" mapstructure:"protocol"`
	RTSPPort       int    `json:"rtsp_port" yaml:"rtsp_port" mapstructure:"rtsp_port"`
	VNCPort        int    `json:"vnc_port" yaml:"vnc_port" mapstructure:"vnc_port"`
	VNCPassword    string `json:"-" yaml:"vnc_password,omitempty" mapstructure:"vnc_password"`
	JPEGQuality    int    `json:"jpeg_quality" yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
	MDNS           bool   `json:"mdns" yaml:"mdns" mapstructure:"mdns"`
	PreviewDisplay string `json:"preview_display" yaml:"preview_display" mapstructure:"preview_display"`
}

// Defaults returns default configuration
func Defaults() *Config {
	return &Config{
		RenderNode: "software",
		Display: DisplayConfig{
			Width:  1920,
			Height: 1080,
			FPS:    60,
			Format: "RGBx",
		},
		Output: OutputConfig{
			Kind:        "none",
			Address:     "127.0.0.1:5000",
			Protocol:    "udp",
			RTSPPort:    8554,
			VNCPort:     5900,
			JPEGQuality: 80,
		},
		StatusPort: 8080,
		LogLevel:   "info",
	}
}

// SetDefaults registers every default with v so that file, env and flag
// values layer over them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("render_node", d.RenderNode)
	v.SetDefault("display.width", d.Display.Width)
	v.SetDefault("display.height", d.Display.Height)
	v.SetDefault("display.fps", d.Display.FPS)
	v.SetDefault("display.format", d.Display.Format)
	v.SetDefault("output.kind", d.Output.Kind)
	v.SetDefault("output.address", d.Output.Address)
	v.SetDefault("output.protocol", d.Output.Protocol)
	v.SetDefault("output.rtsp_port", d.Output.RTSPPort)
	v.SetDefault("output.vnc_port", d.Output.VNCPort)
	v.SetDefault("output.vnc_password", d.Output.VNCPassword)
	v.SetDefault("output.jpeg_quality", d.Output.JPEGQuality)
	v.SetDefault("output.mdns", d.Output.MDNS)
	v.SetDefault("output.preview_display", d.Output.PreviewDisplay)
	v.SetDefault("status_port", d.StatusPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)
}

// Load reads the config file configured on v, if any, and decodes the
// merged settings. A missing file named explicitly is an error.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", v.ConfigFileUsed()).
			Msg("Config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges. It does not check the output address or
// protocol; those are reported by the backend that uses them.
func (c *Config) Validate() error {
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d must be positive", ErrInvalidConfig, c.Display.Width, c.Display.Height)
	}
	if c.Display.Width > 65535 || c.Display.Height > 65535 {
		return fmt.Errorf("%w: resolution %dx%d is too large", ErrInvalidConfig, c.Display.Width, c.Display.Height)
	}
	if c.Display.FPS <= 0 {
		return fmt.Errorf("%w: fps must be positive, got %d", ErrInvalidConfig, c.Display.FPS)
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("%w: status port %d out of range", ErrInvalidConfig, c.StatusPort)
	}
	if q := c.Output.JPEGQuality; q < 0 || q > 100 {
		return fmt.Errorf("%w: jpeg quality %d must be within 0-100", ErrInvalidConfig, q)
	}
	return nil
}

// VideoMode builds the mode requested by the display settings. An unknown
// pixel format falls back to RGBx; the fallback is reported in warnings
// rather than failing startup.
func (c *Config) VideoMode() (mode video.VideoMode, warnings []string, err error) {
	if err := c.Validate(); err != nil {
		return video.VideoMode{}, nil, err
	}

	format, ferr := video.ParseFormat(c.Display.Format)
	if ferr != nil {
		format = video.FormatRGBx
		warnings = append(warnings, fmt.Sprintf("unsupported pixel format %q, using RGBx", c.Display.Format))
	}

	mode = video.VideoMode{
		Format: format,
		Width:  uint32(c.Display.Width),
		Height: uint32(c.Display.Height),
		Rate:   uint32(c.Display.FPS),
	}
	return mode, warnings, mode.Validate()
}

// WithoutSecrets returns a copy of c with the VNC password cleared, for
// printing or writing a shareable file.
func (c *Config) WithoutSecrets() *Config {
	out := *c
	out.Output.VNCPassword = ""
	return &out
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	logger.WithComponent("config").Info().Str("path", path).Msg("Config saved")
	return nil
}
