// Package validate checks a loaded configuration and reports every problem
// at once.
package validate

import (
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/mikeyg42/classycam/internal/config"
	"github.com/mikeyg42/classycam/internal/stream"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateAPIConfig(v, &cfg.API)
	validateStreamConfig(v, &cfg.Stream)
	validateDetectorConfig(v, &cfg.Detector)
	validateTrackingConfig(v, cfg)
	validateNotificationConfig(v, &cfg.Notification)
	validateLogConfig(v, &cfg.Log)

	if cfg.Service.ShutdownTimeout <= 0 {
		v.AddError("service shutdown timeout must be positive")
	}

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateAPIConfig(v *Validator, cfg *config.APIConfig) {
	validateListenAddr(v, "API", cfg.ListenAddr)

	if cfg.RateLimitEnabled {
		if cfg.RateLimitRequests < 1 {
			v.AddError("rate limit requests must be at least 1")
		}
		if cfg.RateLimitWindow <= 0 {
			v.AddError("rate limit window must be positive")
		}
	}
	if cfg.FeedInterval <= 0 || cfg.FeedInterval > time.Second {
		v.AddError("feed interval must be in (0, 1s]: %s", cfg.FeedInterval)
	}
	for _, origin := range cfg.CORSOrigins {
		if origin != "*" && !isValidURL(origin) {
			v.AddError("invalid CORS origin: %s", origin)
		}
	}
}

func validateListenAddr(v *Validator, name, addr string) {
	if addr == "" {
		v.AddError("%s address cannot be empty", name)
		return
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		v.AddError("%s address must be host:port: %v", name, err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in %s address: %s", name, host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		v.AddError("invalid port in %s address: %s", name, portStr)
	}
}

func validateStreamConfig(v *Validator, cfg *config.StreamConfig) {
	if len(cfg.Backends) == 0 {
		v.AddError("at least one capture backend is required")
	} else if _, err := stream.ParseBackends(cfg.Backends); err != nil {
		v.AddError("%v (must be any, ffmpeg, gstreamer or v4l2)", err)
	}
	if cfg.OpenTimeout <= 0 {
		v.AddError("stream open timeout must be positive")
	}
	if cfg.StopTimeout <= 0 {
		v.AddError("stream stop timeout must be positive")
	}
	if cfg.StabilizeDelay < 0 || cfg.WarmupDelay < 0 || cfg.FrameInterval < 0 {
		v.AddError("stream delays cannot be negative")
	}
	if cfg.ReadBackoffInitial <= 0 || cfg.ReadBackoffMax < cfg.ReadBackoffInitial {
		v.AddError("read backoff must satisfy 0 < initial <= max (got %s, %s)",
			cfg.ReadBackoffInitial, cfg.ReadBackoffMax)
	}
	if cfg.BufferSize < 0 {
		v.AddError("capture buffer size cannot be negative")
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		v.AddError("JPEG quality must be 1..100: %d", cfg.JPEGQuality)
	}
}

func validateDetectorConfig(v *Validator, cfg *config.DetectorConfig) {
	if cfg.Required && strings.TrimSpace(cfg.ModelPath) == "" {
		v.AddError("detector model path is required when the detector is required")
	}
	if cfg.InputSize <= 0 || cfg.InputSize%32 != 0 {
		v.AddError("detector input size must be a positive multiple of 32: %d", cfg.InputSize)
	}
	if strings.TrimSpace(cfg.TrackedClass) == "" {
		v.AddError("tracked class cannot be empty")
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold >= 1 {
		v.AddError("confidence threshold must be in (0, 1)")
	}
	if cfg.NMSThreshold <= 0 || cfg.NMSThreshold >= 1 {
		v.AddError("NMS threshold must be in (0, 1)")
	}
}

func validateTrackingConfig(v *Validator, cfg *config.Config) {
	if cfg.Tracker.MaxDisappeared < 0 {
		v.AddError("max disappeared cannot be negative")
	}
	z := cfg.Zone
	if z.DoorwayY <= 0 || z.DoorwayY >= 1 {
		v.AddError("doorway position must be a fraction in (0, 1)")
	}
	if z.ZoneMin < 0 || z.ZoneMax > 1 || z.ZoneMin >= z.ZoneMax {
		v.AddError("zone bounds must satisfy 0 <= min < max <= 1 (got %.2f, %.2f)", z.ZoneMin, z.ZoneMax)
	}
	if cfg.Events.BufferSize < 1 {
		v.AddError("event buffer size must be at least 1")
	}
}

func validateNotificationConfig(v *Validator, cfg *config.NotificationConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.QueueSize < 1 {
		v.AddError("notification queue size must be at least 1")
	}
	if cfg.Retry.InitialInterval <= 0 || cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		v.AddError("notification retry must satisfy 0 < initial <= max")
	}
	if cfg.MailSend.Enabled {
		validateMailSendConfig(v, &cfg.MailSend)
	}
	if cfg.MQTT.Enabled {
		validateMQTTConfig(v, &cfg.MQTT)
	}
}

func validateMailSendConfig(v *Validator, cfg *config.MailSendConfig) {
	if cfg.APIToken == "" {
		v.AddError("MailSend API token is required when MailSend is enabled")
	} else if len(cfg.APIToken) < 10 || !isTokenLike(cfg.APIToken) {
		v.AddError("MailSend API token appears invalid")
	}
	if cfg.ToEmail == "" {
		v.AddError("recipient email must be configured when MailSend is enabled")
	} else if !isValidEmail(cfg.ToEmail) {
		v.AddError("invalid recipient email: %s", cfg.ToEmail)
	}
	if cfg.FromEmail != "" && !isValidEmail(cfg.FromEmail) {
		v.AddError("invalid from email: %s", cfg.FromEmail)
	}
	if cfg.Cooldown < 0 {
		v.AddError("MailSend cooldown cannot be negative")
	}
	if cfg.Endpoint != "" && !isValidURL(cfg.Endpoint) {
		v.AddError("invalid MailSend endpoint: %s", cfg.Endpoint)
	}
}

func validateMQTTConfig(v *Validator, cfg *config.MQTTConfig) {
	u, err := url.Parse(cfg.Broker)
	switch {
	case cfg.Broker == "":
		v.AddError("MQTT broker is required when MQTT is enabled")
	case err != nil || u.Host == "":
		v.AddError("invalid MQTT broker URL: %s", cfg.Broker)
	case !validBrokerSchemes[u.Scheme]:
		v.AddError("unsupported MQTT broker scheme %q", u.Scheme)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		v.AddError("MQTT client id cannot be empty")
	}
	if cfg.Topic == "" || strings.ContainsAny(cfg.Topic, "+#") {
		v.AddError("MQTT topic must be non-empty and free of wildcards: %q", cfg.Topic)
	}
	if cfg.QoS > 2 {
		v.AddError("MQTT QoS must be 0, 1 or 2: %d", cfg.QoS)
	}
}

var validBrokerSchemes = map[string]bool{
	"tcp": true, "ssl": true, "tls": true, "mqtt": true, "mqtts": true, "ws": true, "wss": true,
}

func validateLogConfig(v *Validator, cfg *config.LogConfig) {
	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		v.AddError("invalid log level: %s", cfg.Level)
	}
	if cfg.Format != "json" && cfg.Format != "console" {
		v.AddError("invalid log format: %s (must be 'json' or 'console')", cfg.Format)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var (
	hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	tokenChars    = regexp.MustCompile(`^[a-zA-Z0-9.\-_]+$`)
)

func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func isValidURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isTokenLike(s string) bool {
	return tokenChars.MatchString(s)
}
