// Command nfse talks to the municipal NFS-e web service: it posts SOAP payloads
// over mutual TLS, lists the service operations, and builds and signs NFS-e
// documents.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/KaiqueVfreitas/projeto-nfes-google/internal/config"
	"github.com/KaiqueVfreitas/projeto-nfes-google/soap"
)

// Exit codes.
const (
	exitOK = iota
	exitFailure
	exitConfig
	exitTransport
	exitStatus
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nfse: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd(settings)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "nfse: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var (
		configErr    *soap.ConfigError
		transportErr *soap.TransportError
		statusErr    *soap.HTTPError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &configErr):
		return exitConfig
	case errors.As(err, &transportErr):
		return exitTransport
	case errors.As(err, &statusErr):
		return exitStatus
	}
	return exitFailure
}
