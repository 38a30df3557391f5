// Package config loads the GatewayConfiguration named in spec.md §6, via
// github.com/spf13/viper, the way the pack's services (Aidin1998/pincex_unified)
// load configuration: a typed struct with sane defaults, overridable by a
// config file (YAML/JSON/TOML) and by environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults named explicitly in spec.md §4.2-§4.4.
const (
	DefaultReplyTimeout              = 10 * time.Second
	DefaultKeepAliveInterval         = 10 * time.Second
	DefaultLibraryTimeout            = 2 * time.Second
	DefaultRetransmitBatchMax        = 2500
	DefaultNegotiateResendMax        = 2
	DefaultApplicationHeartbeatEvery = 1 * time.Second
)

// GatewayConfiguration enumerates the keys of spec.md §6, plus the protocol
// identity fields a concrete session needs at negotiate/logon time.
type GatewayConfiguration struct {
	ReplyTimeoutMs              int64  `mapstructure:"reply_timeout_ms"`
	KeepAliveIntervalMs         int64  `mapstructure:"keep_alive_interval_ms"`
	LibraryTimeoutMs            int64  `mapstructure:"library_timeout_ms"`
	RetransmitBatchMax          int    `mapstructure:"retransmit_batch_max"`
	NegotiateResendMax          int    `mapstructure:"negotiate_resend_max"`
	LogAnyMessages              bool   `mapstructure:"log_any_messages"`
	ApplicationHeartbeatMs      int64  `mapstructure:"application_heartbeat_interval"`
	ArchiveBackupLocation       string `mapstructure:"archive_backup_location"`
	LogLevel                    string `mapstructure:"log_level"`
	SessionIDsPath              string `mapstructure:"session_ids_path"`
	SequenceNumbersPath         string `mapstructure:"sequence_numbers_path"`

	// Protocol identity, used by the Session state machine when a local
	// side initiates the FIX or iLink3 handshake.
	SenderCompID   string `mapstructure:"sender_comp_id"`
	TargetCompID   string `mapstructure:"target_comp_id"`
	SenderSubID    string `mapstructure:"sender_sub_id"`
	TargetSubID    string `mapstructure:"target_sub_id"`
	SessionIDStr   string `mapstructure:"ilink_session_id"`
	FirmID         string `mapstructure:"ilink_firm_id"`
	AccessKeyID    string `mapstructure:"ilink_access_key_id"`
}

// ReplyTimeout returns ReplyTimeoutMs as a time.Duration.
func (c *GatewayConfiguration) ReplyTimeout() time.Duration {
	return time.Duration(c.ReplyTimeoutMs) * time.Millisecond
}

// KeepAliveInterval returns KeepAliveIntervalMs as a time.Duration.
func (c *GatewayConfiguration) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalMs) * time.Millisecond
}

// LibraryTimeout returns LibraryTimeoutMs as a time.Duration.
func (c *GatewayConfiguration) LibraryTimeout() time.Duration {
	return time.Duration(c.LibraryTimeoutMs) * time.Millisecond
}

// ApplicationHeartbeatInterval returns ApplicationHeartbeatMs as a time.Duration.
func (c *GatewayConfiguration) ApplicationHeartbeatInterval() time.Duration {
	return time.Duration(c.ApplicationHeartbeatMs) * time.Millisecond
}

// Default returns a GatewayConfiguration populated with the defaults named
// in spec.md, before any file or environment overrides are applied.
func Default() *GatewayConfiguration {
	return &GatewayConfiguration{
		ReplyTimeoutMs:         DefaultReplyTimeout.Milliseconds(),
		KeepAliveIntervalMs:    DefaultKeepAliveInterval.Milliseconds(),
		LibraryTimeoutMs:       DefaultLibraryTimeout.Milliseconds(),
		RetransmitBatchMax:     DefaultRetransmitBatchMax,
		NegotiateResendMax:     DefaultNegotiateResendMax,
		LogAnyMessages:         false,
		ApplicationHeartbeatMs: DefaultApplicationHeartbeatEvery.Milliseconds(),
		LogLevel:               "info",
		SessionIDsPath:         "session-ids",
		SequenceNumbersPath:    "sequence-numbers",
	}
}

// Load reads a GatewayConfiguration from path (if non-empty) with
// environment-variable overrides prefixed ARTIO_, falling back to Default()
// for any key left unset.
func Load(path string) (*GatewayConfiguration, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("reply_timeout_ms", def.ReplyTimeoutMs)
	v.SetDefault("keep_alive_interval_ms", def.KeepAliveIntervalMs)
	v.SetDefault("library_timeout_ms", def.LibraryTimeoutMs)
	v.SetDefault("retransmit_batch_max", def.RetransmitBatchMax)
	v.SetDefault("negotiate_resend_max", def.NegotiateResendMax)
	v.SetDefault("log_any_messages", def.LogAnyMessages)
	v.SetDefault("application_heartbeat_interval", def.ApplicationHeartbeatMs)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("session_ids_path", def.SessionIDsPath)
	v.SetDefault("sequence_numbers_path", def.SequenceNumbersPath)

	v.SetEnvPrefix("ARTIO")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := &GatewayConfiguration{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	return cfg, nil
}
