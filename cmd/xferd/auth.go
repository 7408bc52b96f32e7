package main

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/xferd"
	"pkt.systems/xferd/internal/tlsutil"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "auth",
		Short:        "Manage command channel certificates",
		SilenceUsage: true,
	}
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a CA, server or client bundle",
	}
	newCmd.AddCommand(newAuthNewCACommand(), newAuthNewServerCommand(), newAuthNewClientCommand())
	cmd.AddCommand(newCmd, newAuthRevokeCommand(), newAuthInspectCommand())
	return cmd
}

func newAuthNewCACommand() *cobra.Command {
	var out, cn string
	var validity time.Duration
	var force bool
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Create a new certificate authority (CA) bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := defaultOut(&out, xferd.DefaultCAPath); err != nil {
				return err
			}
			ca, err := tlsutil.GenerateCA(cn, validity)
			if err != nil {
				return err
			}
			if err := writeFile(out, ca.Encode(), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ca bundle written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path for CA bundle (default $XFERD_CONFIG_DIR/ca.pem)")
	cmd.Flags().StringVar(&cn, "cn", "xferd-ca", "CA certificate common name")
	cmd.Flags().DurationVar(&validity, "valid-for", tlsutil.DefaultCAValidity, "certificate validity period")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing CA bundle if present")
	return cmd
}

func newAuthNewServerCommand() *cobra.Command {
	var out, cn, hosts, caIn string
	var validity time.Duration
	var force bool
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Create a command channel server bundle signed by an existing CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := defaultOut(&out, xferd.DefaultBundlePath); err != nil {
				return err
			}
			ca, err := loadCA(caIn)
			if err != nil {
				return err
			}
			issued, err := ca.Issue(tlsutil.LeafRequest{
				CommonName: cn,
				Hosts:      strings.Split(hosts, ","),
				Validity:   validity,
				Server:     true,
			})
			if err != nil {
				return err
			}
			data, err := ca.Bundle(issued, nil)
			if err != nil {
				return err
			}
			if err := writeFile(out, data, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server bundle written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output bundle path (default $XFERD_CONFIG_DIR/server.pem)")
	cmd.Flags().StringVar(&cn, "cn", "xferd-server", "server certificate common name")
	cmd.Flags().StringVar(&hosts, "hosts", "localhost,127.0.0.1", "comma-separated hosts/IPs for the server certificate")
	cmd.Flags().DurationVar(&validity, "valid-for", tlsutil.DefaultLeafValidity, "certificate validity period")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing bundle if present")
	cmd.Flags().StringVar(&caIn, "ca-in", "", "path to CA bundle (default $XFERD_CONFIG_DIR/ca.pem)")
	return cmd
}

func newAuthNewClientCommand() *cobra.Command {
	var out, cn, caIn, aclPath string
	var orgs, units []string
	var validity time.Duration
	var force, allow bool
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Create a control plane client bundle signed by an existing CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := defaultOut(&out, xferd.DefaultClientBundlePath); err != nil {
				return err
			}
			ca, err := loadCA(caIn)
			if err != nil {
				return err
			}
			subject := pkix.Name{CommonName: cn, Organization: orgs, OrganizationalUnit: units}
			issued, err := ca.Issue(tlsutil.LeafRequest{Subject: subject, Validity: validity})
			if err != nil {
				return err
			}
			data, err := ca.Bundle(issued, nil)
			if err != nil {
				return err
			}
			if err := writeFile(out, data, force); err != nil {
				return err
			}
			dn := issued.Cert.Subject.String()
			fmt.Fprintf(cmd.OutOrStdout(), "client bundle written to %s\n", out)
			fmt.Fprintf(cmd.OutOrStdout(), "serial %s\n", issued.Cert.SerialNumber.Text(16))
			if !allow {
				fmt.Fprintf(cmd.OutOrStdout(), "add %q to the command channel acl to admit this client\n", dn)
				return nil
			}
			if err := defaultOut(&aclPath, xferd.DefaultACLPath); err != nil {
				return err
			}
			if err := appendLine(aclPath, dn); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s added to %s\n", dn, aclPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&caIn, "ca-in", "", "path to CA bundle (default $XFERD_CONFIG_DIR/ca.pem)")
	cmd.Flags().StringVar(&out, "out", "", "client output path (default $XFERD_CONFIG_DIR/client.pem)")
	cmd.Flags().StringVar(&cn, "cn", "xferd-client", "client certificate common name")
	cmd.Flags().StringSliceVar(&orgs, "org", nil, "organization (O) attributes, repeatable")
	cmd.Flags().StringSliceVar(&units, "unit", nil, "organizational unit (OU) attributes, repeatable")
	cmd.Flags().DurationVar(&validity, "valid-for", tlsutil.DefaultLeafValidity, "certificate validity period")
	cmd.Flags().BoolVar(&allow, "allow", false, "append the client subject to the acl file")
	cmd.Flags().StringVar(&aclPath, "acl", "", "acl file updated by --allow (default $XFERD_CONFIG_DIR/acl)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing file")
	return cmd
}

func newAuthRevokeCommand() *cobra.Command {
	var denylist string
	cmd := &cobra.Command{
		Use:   "revoke BUNDLE|SERIAL [...]",
		Short: "Add client certificate serials to the command channel denylist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if denylist == "" {
				return errors.New("--denylist is required")
			}
			for _, arg := range args {
				serial := arg
				if b, err := tlsutil.LoadBundle(arg, ""); err == nil {
					serial = b.Leaf.SerialNumber.Text(16)
				} else if _, statErr := os.Stat(arg); statErr == nil {
					return err
				}
				serials := tlsutil.NormalizeSerials([]string{serial})
				if len(serials) == 0 {
					continue
				}
				if err := appendLine(denylist, serials[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", serials[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&denylist, "denylist", "", "denylist file passed to --cmd-denylist")
	return cmd
}

func newAuthInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect BUNDLE [...]",
		Short: "Show the leaf certificate of bundles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for _, path := range args {
				b, err := tlsutil.LoadBundle(path, "")
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\n", path)
				fmt.Fprintf(w, "  subject:   %s\n", b.Leaf.Subject.String())
				fmt.Fprintf(w, "  issuer:    %s\n", b.Leaf.Issuer.String())
				fmt.Fprintf(w, "  serial:    %s\n", b.Leaf.SerialNumber.Text(16))
				fmt.Fprintf(w, "  not after: %s\n", b.Leaf.NotAfter.UTC().Format(time.RFC3339))
				if hosts := append(slices.Clone(b.Leaf.DNSNames), ipStrings(b.Leaf)...); len(hosts) > 0 {
					fmt.Fprintf(w, "  hosts:     %s\n", strings.Join(hosts, ", "))
				}
				if len(b.Denylist) > 0 {
					fmt.Fprintf(w, "  denylist:  %d serials\n", len(b.Denylist))
				}
			}
			return nil
		},
	}
}

func ipStrings(cert *x509.Certificate) []string {
	out := make([]string, 0, len(cert.IPAddresses))
	for _, ip := range cert.IPAddresses {
		out = append(out, ip.String())
	}
	return out
}

func defaultOut(p *string, def func() (string, error)) error {
	if *p != "" {
		return nil
	}
	path, err := def()
	if err != nil {
		return err
	}
	*p = path
	return nil
}

func loadCA(path string) (*tlsutil.CA, error) {
	if err := defaultOut(&path, xferd.DefaultCAPath); err != nil {
		return nil, err
	}
	ca, err := tlsutil.LoadCA(path)
	if err != nil {
		return nil, fmt.Errorf("load ca: %w (run 'xferd auth new ca' first)", err)
	}
	return ca, nil
}

func writeFile(path string, data []byte, force bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force)", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
