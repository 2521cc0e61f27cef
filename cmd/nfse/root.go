package main

import (
	"crypto/x509"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/KaiqueVfreitas/projeto-nfes-google/internal/config"
	"github.com/KaiqueVfreitas/projeto-nfes-google/soap"
)

// app carries the flags shared by every subcommand.
type app struct {
	settings config.Settings
	verbose  bool
}

func newRootCmd(settings config.Settings) *cobra.Command {
	a := &app{settings: settings}
	cmd := &cobra.Command{
		Use:   "nfse",
		Short: "Client for the municipal NFS-e SOAP web service",
		Long: `nfse posts SOAP payloads to the NFS-e web service over mutual TLS and
prints the raw response. Flags default to the NFSE_* environment variables,
which may also be set in a .env file in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", settings.Verbose,
		"log debug messages and trace the HTTP exchange to stderr ("+config.EnvVerbose+")")

	cmd.AddCommand(
		newSendCmd(a),
		newOperationsCmd(a),
		newSignCmd(a),
		newGenerateCmd(a),
	)
	return cmd
}

func (a *app) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// identityFlags select the client certificate.
type identityFlags struct {
	cert, key, pfx, passphrase string
}

func (f *identityFlags) register(cmd *cobra.Command, s config.Settings) {
	fl := cmd.Flags()
	fl.StringVar(&f.cert, "cert", s.Cert, "PEM client certificate ("+config.EnvCert+")")
	fl.StringVar(&f.key, "key", s.Key, "PEM private key, optionally encrypted ("+config.EnvKey+")")
	fl.StringVar(&f.pfx, "pfx", s.PFX, "PKCS#12 bundle used instead of --cert/--key ("+config.EnvPFX+")")
	fl.StringVar(&f.passphrase, "passphrase", s.Passphrase, "passphrase of the key or PFX ("+config.EnvPassphrase+")")
}

func (f *identityFlags) apply(spec *soap.RequestSpec) {
	spec.ClientCertPath = f.cert
	spec.ClientKeyPath = f.key
	spec.PFXPath = f.pfx
	spec.KeyPassphrase = f.passphrase
}

// connFlags configure how the service is reached.
type connFlags struct {
	url                string
	caFile             string
	insecureSkipVerify bool
	timeout            time.Duration
}

func (f *connFlags) register(cmd *cobra.Command, s config.Settings) {
	fl := cmd.Flags()
	fl.StringVar(&f.url, "url", s.URL, "https endpoint of the web service ("+config.EnvURL+")")
	fl.StringVar(&f.caFile, "ca-file", s.CAFile, "PEM bundle trusted instead of the system roots ("+config.EnvCAFile+")")
	fl.BoolVar(&f.insecureSkipVerify, "insecure-skip-verify", s.InsecureSkipVerify,
		"skip server chain verification, still checking the host name ("+config.EnvInsecureSkipVerify+")")
	fl.DurationVar(&f.timeout, "timeout", s.Timeout, "request timeout ("+config.EnvTimeout+")")
}

func (a *app) client(cmd *cobra.Command, conn connFlags) (*soap.Client, error) {
	opts := []soap.Option{
		soap.WithLogger(a.logger(cmd)),
		soap.WithTraceOutput(cmd.ErrOrStderr()),
		soap.WithRequestTimeout(conn.timeout),
	}
	if conn.caFile != "" {
		pool, err := loadCAFile(conn.caFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, soap.WithRootCAs(pool))
	}
	return soap.NewClient(opts...), nil
}

func loadCAFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &soap.ConfigError{Field: "ca-file", Path: path, Err: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, &soap.ConfigError{Field: "ca-file", Path: path, Err: soap.ErrInvalidPEM}
	}
	return pool, nil
}
