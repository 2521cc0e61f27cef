package main

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaiqueVfreitas/projeto-nfes-google/internal/config"
	"github.com/KaiqueVfreitas/projeto-nfes-google/soap"
)

type sendFlags struct {
	conn         connFlags
	identity     identityFlags
	xml          string
	method       string
	failOnStatus bool
}

func newSendCmd(a *app) *cobra.Command {
	var f sendFlags
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Post an XML payload to the web service and print the response body",
		Example: `  nfse send --url https://nfse.example.gov.br/ws/nfse.asmx --method ConsultarNfse \
    --xml consulta.xml --cert cert.pem --key key.pem --passphrase 123456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.send(cmd, f)
		},
	}
	f.conn.register(cmd, a.settings)
	f.identity.register(cmd, a.settings)
	fl := cmd.Flags()
	fl.StringVar(&f.xml, "xml", a.settings.XML, `file holding the SOAP envelope, "-" for stdin (`+config.EnvXML+`)`)
	fl.StringVarP(&f.method, "method", "m", a.settings.Method,
		"service operation, one of "+soap.MethodNames(", ")+" ("+config.EnvMethod+")")
	fl.BoolVar(&f.failOnStatus, "fail-on-status", false, "exit with an error when the response status is not 2xx")
	return cmd
}

func (a *app) send(cmd *cobra.Command, f sendFlags) error {
	method, err := soap.ParseMethod(f.method)
	if err != nil {
		return err
	}
	body, err := readInput(cmd, f.xml, "xml")
	if err != nil {
		return err
	}
	spec := soap.RequestSpec{
		EndpointURL:          f.conn.url,
		Method:               method,
		Body:                 body,
		SkipPeerVerification: f.conn.insecureSkipVerify,
		Verbose:              a.verbose,
	}
	f.identity.apply(&spec)
	if err := spec.Validate(); err != nil {
		return err
	}

	client, err := a.client(cmd, f.conn)
	if err != nil {
		return err
	}
	res, err := client.Invoke(cmd.Context(), spec)
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(res.Body()); err != nil {
		return err
	}
	if f.failOnStatus {
		return res.StatusError()
	}
	return nil
}

// readInput reads path, or stdin when path is "-". Failures are reported against field.
func readInput(cmd *cobra.Command, path, field string) ([]byte, error) {
	if path == "" {
		return nil, &soap.ConfigError{Field: field, Err: errors.New("no input file given")}
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, &soap.ConfigError{Field: field, Path: path, Err: err}
	}
	return data, nil
}
