// Package config reads the nfse command settings from NFSE_* environment
// variables and optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvURL                = "NFSE_URL"
	EnvXML                = "NFSE_XML"
	EnvCert               = "NFSE_CERT"
	EnvKey                = "NFSE_KEY"
	EnvPFX                = "NFSE_PFX"
	EnvPassphrase         = "NFSE_PASSPHRASE"
	EnvMethod             = "NFSE_METHOD"
	EnvVerbose            = "NFSE_VERBOSE"
	EnvInsecureSkipVerify = "NFSE_INSECURE_SKIP_VERIFY"
	EnvCAFile             = "NFSE_CA_FILE"
	EnvTimeout            = "NFSE_TIMEOUT"

	DefaultTimeout = 30 * time.Second
)

// DefaultEnvFile is read by Load when no file is named.
const DefaultEnvFile = ".env"

// Settings are the defaults for the command line flags.
type Settings struct {
	URL                string
	XML                string
	Cert               string
	Key                string
	PFX                string
	Passphrase         string
	Method             string
	Verbose            bool
	InsecureSkipVerify bool
	CAFile             string
	Timeout            time.Duration
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads settings from the process environment, falling back to the given
// env files (DefaultEnvFile when none is given). Missing files are skipped and
// process variables take precedence over file entries.
func Load(files ...string) (Settings, error) {
	if len(files) == 0 {
		files = []string{DefaultEnvFile}
	}
	fileEnv := make(map[string]string)
	for _, name := range files {
		entries, err := godotenv.Read(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Settings{}, fmt.Errorf("read %s: %w", name, err)
		}
		for k, v := range entries {
			if _, ok := fileEnv[k]; !ok {
				fileEnv[k] = v
			}
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	})
}

// FromLookup builds settings from lookup alone.
func FromLookup(lookup LookupFunc) (Settings, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	s := Settings{
		URL:        get(EnvURL),
		XML:        get(EnvXML),
		Cert:       get(EnvCert),
		Key:        get(EnvKey),
		PFX:        get(EnvPFX),
		Passphrase: get(EnvPassphrase),
		Method:     get(EnvMethod),
		CAFile:     get(EnvCAFile),
		Timeout:    DefaultTimeout,
	}

	var err error
	if s.Verbose, err = parseBool(lookup, EnvVerbose); err != nil {
		return Settings{}, err
	}
	if s.InsecureSkipVerify, err = parseBool(lookup, EnvInsecureSkipVerify); err != nil {
		return Settings{}, err
	}
	if v, ok := lookup(EnvTimeout); ok && v != "" {
		if s.Timeout, err = parseTimeout(v); err != nil {
			return Settings{}, fmt.Errorf("%s: %w", EnvTimeout, err)
		}
	}
	return s, nil
}

func parseBool(lookup LookupFunc, key string) (bool, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// parseTimeout accepts a time.Duration string or a plain number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("timeout must be positive, got %d", secs)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", v)
	}
	return d, nil
}
