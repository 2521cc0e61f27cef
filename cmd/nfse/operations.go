package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KaiqueVfreitas/projeto-nfes-google/soap"
)

func newOperationsCmd(a *app) *cobra.Command {
	var (
		conn     connFlags
		identity identityFlags
	)
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "List the operations published in the service WSDL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec := soap.RequestSpec{
				EndpointURL:          conn.url,
				SkipPeerVerification: conn.insecureSkipVerify,
			}
			identity.apply(&spec)
			client, err := a.client(cmd, conn)
			if err != nil {
				return err
			}
			ops, err := client.Operations(cmd.Context(), spec)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tSOAPACTION\tSUPPORTED")
			for _, op := range ops {
				supported := "no"
				if op.Known {
					supported = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", op.Name, op.SOAPAction, supported)
			}
			return w.Flush()
		},
	}
	conn.register(cmd, a.settings)
	identity.register(cmd, a.settings)
	return cmd
}
