package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaiqueVfreitas/projeto-nfes-google/internal/config"
	"github.com/KaiqueVfreitas/projeto-nfes-google/nfse"
	"github.com/KaiqueVfreitas/projeto-nfes-google/soap"
)

func newSignCmd(a *app) *cobra.Command {
	var (
		identity identityFlags
		input    string
		output   string
		opts     nfse.SignOptions
		verify   bool
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Add an XML signature to an NFS-e document",
		Example: `  nfse sign --xml nfse_7.xml --pfx empresa.pfx --passphrase 123456 --out nfse_7_assinado.xml
  nfse sign --xml lote.xml --tag LoteRps --signature-id --pfx empresa.pfx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := readInput(cmd, input, "xml")
			if err != nil {
				return err
			}
			var spec soap.RequestSpec
			identity.apply(&spec)
			cert, err := soap.LoadIdentity(spec)
			if err != nil {
				return err
			}
			signer, err := nfse.NewSigner(cert)
			if err != nil {
				return err
			}
			signed, err := nfse.Sign(doc, signer, opts)
			if err != nil {
				return err
			}

			logger := a.logger(cmd)
			if verify {
				if _, err := nfse.Verify(signed, opts); err != nil {
					return err
				}
				logger.Debug("signature verified")
			}
			logger.Info("document signed",
				slog.String("subject", signer.Certificate().Subject.CommonName),
				slog.String("element", opts.Tag))

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(signed)
				return err
			}
			if err := os.WriteFile(output, signed, 0o644); err != nil {
				return &soap.ConfigError{Field: "out", Path: output, Err: err}
			}
			return nil
		},
	}
	identity.register(cmd, a.settings)
	fl := cmd.Flags()
	fl.StringVar(&input, "xml", a.settings.XML, `document to sign, "-" for stdin (`+config.EnvXML+`)`)
	fl.StringVarP(&output, "out", "o", "", "where to write the signed document, stdout by default")
	fl.StringVar(&opts.Tag, "tag", "Nfse", "local name of the element to sign")
	fl.BoolVar(&opts.SignatureID, "signature-id", false, "give the Signature element a generated Id")
	fl.BoolVar(&verify, "verify", false, "verify the signature after signing")
	return cmd
}
