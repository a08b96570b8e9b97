package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

const defaultAppRoot = "/opt/usr/apps/nx-remote-controller-mod"

type appConfig struct {
	notifyAddr   string
	videoAddr    string
	xwinAddr     string
	executorAddr string
	discoveryTo  string // broadcast destination, host:port

	appRoot string // root directory for external script/helper collaborators

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string

	xwdPath string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	notifyAddr := flag.String("notify-addr", ":5677", "Notify channel TCP listen address")
	videoAddr := flag.String("video-addr", ":5678", "Video channel TCP listen address")
	xwinAddr := flag.String("xwin-addr", ":5679", "XWin channel TCP listen address")
	executorAddr := flag.String("executor-addr", ":5680", "Executor channel TCP listen address")
	discoveryTo := flag.String("discovery-broadcast", "255.255.255.255:5681", "Discovery broadcast destination")
	appRoot := flag.String("app-root", defaultAppRoot, "Root directory for external helper scripts/binaries")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Bonjour advertisement in addition to the UDP discovery banner")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default nx-remote-<hostname>)")
	xwdPath := flag.String("xwd-path", "xwd", "Path to the xwd binary used for X11 root-window capture")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.notifyAddr = *notifyAddr
	cfg.videoAddr = *videoAddr
	cfg.xwinAddr = *xwinAddr
	cfg.executorAddr = *executorAddr
	cfg.discoveryTo = *discoveryTo
	cfg.appRoot = *appRoot
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.xwdPath = *xwdPath

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.appRoot == "" {
		return errors.New("app-root must not be empty")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps NX_REMOTE_* environment variables to config fields
// unless a corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["notify-addr"]; !ok {
		if v, ok := get("NX_REMOTE_NOTIFY_ADDR"); ok && v != "" {
			c.notifyAddr = v
		}
	}
	if _, ok := set["video-addr"]; !ok {
		if v, ok := get("NX_REMOTE_VIDEO_ADDR"); ok && v != "" {
			c.videoAddr = v
		}
	}
	if _, ok := set["xwin-addr"]; !ok {
		if v, ok := get("NX_REMOTE_XWIN_ADDR"); ok && v != "" {
			c.xwinAddr = v
		}
	}
	if _, ok := set["executor-addr"]; !ok {
		if v, ok := get("NX_REMOTE_EXECUTOR_ADDR"); ok && v != "" {
			c.executorAddr = v
		}
	}
	if _, ok := set["discovery-broadcast"]; !ok {
		if v, ok := get("NX_REMOTE_DISCOVERY_BROADCAST"); ok && v != "" {
			c.discoveryTo = v
		}
	}
	if _, ok := set["app-root"]; !ok {
		if v, ok := get("NX_REMOTE_APP_ROOT"); ok && v != "" {
			c.appRoot = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("NX_REMOTE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("NX_REMOTE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("NX_REMOTE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("NX_REMOTE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NX_REMOTE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("NX_REMOTE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("NX_REMOTE_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["xwd-path"]; !ok {
		if v, ok := get("NX_REMOTE_XWD_PATH"); ok && v != "" {
			c.xwdPath = v
		}
	}
	return firstErr
}
