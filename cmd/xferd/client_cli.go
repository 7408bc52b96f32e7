package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/xferd"
	"pkt.systems/xferd/internal/cmdserver"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/tlsutil"
)

type clientOptions struct {
	server     string
	bundle     string
	serverName string
	timeout    time.Duration
}

func addClientFlags(cmd *cobra.Command) *clientOptions {
	opts := &clientOptions{}
	flags := cmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", xferd.DefaultCmdListen, "command channel address")
	flags.StringVar(&opts.bundle, "bundle", "", "client bundle for mTLS (empty uses plain TCP)")
	flags.StringVar(&opts.serverName, "server-name", "", "TLS server name (default the server host)")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	return opts
}

func (o *clientOptions) send(ctx context.Context, lines []string) ([]string, error) {
	var tlsConfig *tls.Config
	if o.bundle != "" {
		b, err := tlsutil.LoadBundle(o.bundle, "")
		if err != nil {
			return nil, err
		}
		name := o.serverName
		if name == "" {
			if host, _, err := net.SplitHostPort(o.server); err == nil {
				name = host
			}
		}
		tlsConfig = b.ClientConfig(name)
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return cmdserver.Send(ctx, o.server, tlsConfig, lines)
}

func printResponse(cmd *cobra.Command, lines []string) error {
	for _, line := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	if len(lines) > 0 && (strings.HasPrefix(lines[0], "500 ") || strings.HasPrefix(lines[0], "530 ")) {
		return fmt.Errorf("server refused the request: %s", lines[0])
	}
	return nil
}

func newPingCommand() *cobra.Command {
	var opts *clientOptions
	cmd := &cobra.Command{
		Use:          "ping",
		Short:        "Query version and listener of a running daemon",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := opts.send(cmd.Context(), []string{"request-type=" + job.RequestPing})
			if err != nil {
				return err
			}
			return printResponse(cmd, lines)
		},
	}
	opts = addClientFlags(cmd)
	return cmd
}

func newUserInfoCommand() *cobra.Command {
	var opts *clientOptions
	cmd := &cobra.Command{
		Use:          "user-info USER",
		Short:        "List the home directory and accepted keys of a user",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := opts.send(cmd.Context(), []string{"request-type=" + job.RequestUserInfo, "user=" + args[0]})
			if err != nil {
				return err
			}
			return printResponse(cmd, lines)
		},
	}
	opts = addClientFlags(cmd)
	return cmd
}

// newRequestCommand registers a transfer job by hand, mostly for testing a
// deployment without the control plane.
func newRequestCommand() *cobra.Command {
	var opts *clientOptions
	cmd := &cobra.Command{
		Use:          "request KEY=VALUE [...]",
		Short:        "Register a transfer job (user=, file=, access-permissions=, ...)",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, secret, err := transferRequest(args)
			if err != nil {
				return err
			}
			resp, err := opts.send(cmd.Context(), lines)
			if err != nil {
				return err
			}
			if err := printResponse(cmd, resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret: %s\n", secret)
			return nil
		},
	}
	opts = addClientFlags(cmd)
	return cmd
}

// transferRequest builds the request lines for a transfer, generating a
// secret when none is given.
func transferRequest(args []string) ([]string, string, error) {
	lines := []string{"request-type=" + job.RequestTransfer}
	var secret string
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, "", fmt.Errorf("argument %q is not KEY=VALUE", arg)
		}
		switch key {
		case "request-type":
			continue
		case "secret":
			secret = value
		}
		lines = append(lines, key+"="+value)
	}
	if req := job.ParseRequest(lines); strings.TrimSpace(req["user"]) == "" {
		return nil, "", fmt.Errorf("user=NAME is required")
	}
	if secret == "" {
		secret = uuid.NewString()
		lines = append(lines, "secret="+secret)
	}
	return lines, secret, nil
}
