// Package config loads Calimero's runtime configuration from environment
// variables using the same reflect-driven, struct-tag approach as the rest
// of the corpus: fields are annotated with an `env:"NAME?=default"` tag and
// UnmarshalEnv fills them in from a slice of "KEY=VALUE" strings.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/calimero-project/calimero-core-sub010/knxaddr"
)

// Config holds the settings for bringing up a Calimero stack: link medium,
// this device's own address, key table paths, reconnect and TL4 timer
// values, and the ambient logging/metrics knobs. calimero-demo reads only
// DeviceAddress, LogLevel, LogEnabled and MetricsAddr; the other fields are
// parsed but not consumed by any package in this module.
//
// A field is only considered by UnmarshalEnv if it carries an `env` tag. A
// trailing "?" on the key makes the variable optional (the "=default" part,
// if present, supplies the zero-value replacement); without it, an unset
// variable makes UnmarshalEnv return a "missing required" error (unless
// incremental is true).
type Config struct {
	// Medium names the link implementation: "loopback" or "ip" (§3/§9).
	// calimero-demo always runs over link.LoopbackMedium regardless.
	Medium string `env:"CALIMERO_MEDIUM?=loopback"`

	// IPGatewayAddr is the host:port of a KNXnet/IP tunnelling server for
	// Medium == "ip"; no KNXnet/IP link exists in this module to use it.
	IPGatewayAddr string `env:"CALIMERO_IP_GATEWAY?="`

	// DeviceAddress is this process's own individual address on the bus.
	DeviceAddress string `env:"CALIMERO_DEVICE_ADDRESS?=1.1.1"`

	// LogLevel is the minimum zerolog severity emitted by klog (§ambient
	// logging).
	LogLevel zerolog.Level `env:"CALIMERO_LOG_LEVEL?=info"`

	// LogEnabled toggles klog output on at startup; klog defaults to
	// disabled so a silent library doesn't spam a host application's logs.
	LogEnabled bool `env:"CALIMERO_LOG_ENABLED?=true"`

	// MetricsAddr is the listen address for the Prometheus text exporter
	// (empty disables it).
	MetricsAddr string `env:"CALIMERO_METRICS_ADDR?=:9090"`

	// ReconnectDelay and ReconnectMaxAttempts correspond to
	// link.ConnectorConfig's fields; nothing copies them into one.
	ReconnectDelay       time.Duration `env:"CALIMERO_RECONNECT_DELAY?=1s"`
	ReconnectMaxAttempts int           `env:"CALIMERO_RECONNECT_MAX_ATTEMPTS?=-1"`

	// AckTimeout and ConnectTimeout carry TL4 timer values (§8). The
	// transport package does not read them; its timers are fixed constants
	// (3 s ack, 6 s connection).
	AckTimeout     time.Duration `env:"CALIMERO_ACK_TIMEOUT?=3s"`
	ConnectTimeout time.Duration `env:"CALIMERO_CONNECT_TIMEOUT?=6s"`

	// ToolKeyPath and GroupKeyPath name "address=hex" key table files, one
	// entry per line. No code in this module loads them; keys are installed
	// through secure.Security's SetToolKey/SetGroupKey.
	ToolKeyPath  string `env:"CALIMERO_TOOL_KEY_PATH?="`
	GroupKeyPath string `env:"CALIMERO_GROUP_KEY_PATH?="`
}

// Device parses DeviceAddress into an IndividualAddress.
func (c Config) Device() (knxaddr.IndividualAddress, error) {
	return knxaddr.ParseIndividualAddress(c.DeviceAddress)
}

// UnmarshalEnv fills in c's env-tagged fields from es, a slice of
// "KEY=VALUE" strings such as os.Environ(). If incremental is true, a
// variable absent from es leaves the field untouched instead of resetting
// it to its tag default; this lets callers layer a file over the process
// environment without clobbering variables the file doesn't mention.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := make(map[string]string, len(es))
	for _, e := range es {
		if !strings.HasPrefix(e, "CALIMERO_") {
			continue
		}
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		tag, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		key, def, hasDefault := strings.Cut(tag, "=")
		optional := strings.HasSuffix(key, "?")
		if optional {
			key = strings.TrimSuffix(key, "?")
		}

		val, present := em[key]
		switch {
		case present:
			delete(em, key)
		case incremental:
			continue
		case optional:
			val = def
			if !hasDefault {
				continue
			}
		default:
			return fmt.Errorf("config: missing required environment variable %q", key)
		}

		cvf := cv.FieldByName(ctf.Name)
		if err := setField(cvf, val); err != nil {
			return fmt.Errorf("config: %s=%q: %w", key, val, err)
		}
	}

	for key, val := range em {
		if val != "" {
			return fmt.Errorf("config: unknown environment variable %q", key)
		}
	}
	return nil
}

func setField(cvf reflect.Value, val string) error {
	switch cvf.Interface().(type) {
	case string:
		cvf.SetString(val)
	case bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		cvf.SetBool(b)
	case int:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		cvf.SetInt(n)
	case time.Duration:
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		cvf.SetInt(int64(d))
	case zerolog.Level:
		lvl, err := zerolog.ParseLevel(val)
		if err != nil {
			return err
		}
		cvf.SetInt(int64(lvl))
	default:
		return fmt.Errorf("unhandled config field type %s", cvf.Type())
	}
	return nil
}
