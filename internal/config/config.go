// Copyright (c) 2026 Modbus Bridge Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Serial SerialConfig `mapstructure:"serial"`
	Timing TimingConfig `mapstructure:"timing"`
	Tcp    TcpConfig    `mapstructure:"tcp"`
	Http   HttpConfig   `mapstructure:"http"`
	Compat CompatConfig `mapstructure:"compat"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
}

// SerialConfig defines the RTU bus UART settings
type SerialConfig struct {
	Device   string `mapstructure:"device" json:"device"`
	BaudRate int    `mapstructure:"baud_rate" json:"baud_rate"`
	DataBits int    `mapstructure:"data_bits" json:"data_bits"`
	Parity   string `mapstructure:"parity" json:"parity"` // "N", "E", "O"
	StopBits int    `mapstructure:"stop_bits" json:"stop_bits"`

	// RS485 specific, for adapters whose driver toggles the direction
	// signal itself.
	RS485              bool          `mapstructure:"rs485" json:"rs485,omitempty"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send" json:"-"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send" json:"-"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send" json:"-"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send" json:"-"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx" json:"-"`
}

// TimingConfig defines the bus timing discipline. All values overridable.
type TimingConfig struct {
	InterFrameSilence time.Duration `mapstructure:"inter_frame_silence"` // quiet line before transmit
	DirectionGuard    time.Duration `mapstructure:"direction_guard"`     // pre/post transmit guard delay
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`        // response timeout, read functions
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`       // response timeout, write functions
	QuietPeriod       time.Duration `mapstructure:"quiet_period"`        // post-transaction quiet period
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`        // bounded wait for the bus lock
}

// TcpConfig defines the Modbus TCP server settings
type TcpConfig struct {
	Address      string        `mapstructure:"address"`       // e.g. "0.0.0.0:502"
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // response send bound per client
}

// HttpConfig defines the REST/diagnostics API settings
type HttpConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Address      string   `mapstructure:"address"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// CompatConfig holds workarounds for non-conforming downstream devices.
type CompatConfig struct {
	// SingleWriteAsMultiple re-frames Write Single Register (0x06) as
	// Write Multiple Registers (0x10, quantity 1) on the wire. Some
	// devices only implement the latter. Not a protocol requirement.
	SingleWriteAsMultiple bool `mapstructure:"single_write_as_multiple"`
}

// StoreConfig defines persistence for counters and UART settings
type StoreConfig struct {
	Type          string        `mapstructure:"type"` // "memory", "file", "mmap"
	Path          string        `mapstructure:"path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn, error
	File       string `mapstructure:"file"`  // log file path, "-" or "" for stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	RingSize   int    `mapstructure:"ring_size"` // in-memory log tail length
}

// baudRates is the supported UART speed set.
var baudRates = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-bridge/")
		v.AddConfigPath("$HOME/.modbus-bridge")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file found: run on defaults.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Serial.Parity = strings.ToUpper(config.Serial.Parity)
	if err := ValidateSerial(config.Serial); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.device", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)

	v.SetDefault("timing.inter_frame_silence", 50*time.Millisecond)
	v.SetDefault("timing.direction_guard", 2*time.Millisecond)
	v.SetDefault("timing.read_timeout", 2*time.Second)
	v.SetDefault("timing.write_timeout", 8*time.Second)
	v.SetDefault("timing.quiet_period", 75*time.Millisecond)
	v.SetDefault("timing.lock_timeout", 5*time.Second)

	v.SetDefault("tcp.address", "0.0.0.0:502")
	v.SetDefault("tcp.write_timeout", 5*time.Second)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.address", "0.0.0.0:8080")
	v.SetDefault("http.allow_origins", []string{"*"})

	v.SetDefault("compat.single_write_as_multiple", true)

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.flush_interval", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.ring_size", 256)
}

// ValidateSerial checks UART settings against the supported ranges. Also
// used by the API layer before a live reconfiguration.
func ValidateSerial(s SerialConfig) error {
	if !baudRates[s.BaudRate] {
		return fmt.Errorf("unsupported baud rate: %d", s.BaudRate)
	}
	if s.DataBits != 7 && s.DataBits != 8 {
		return fmt.Errorf("unsupported data bits: %d", s.DataBits)
	}
	switch s.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("unsupported parity: %q", s.Parity)
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		return fmt.Errorf("unsupported stop bits: %d", s.StopBits)
	}
	return nil
}
