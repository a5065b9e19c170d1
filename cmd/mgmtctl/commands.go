package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/anvil-platform/anvil-mgmt/internal/transport"
)

type globalOptions struct {
	target  string
	output  string
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "mgmtctl",
		Short:         "Manage the configuration tree of a management daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch g.output {
			case "text", "json", "yaml":
				return nil
			}
			return fmt.Errorf("unsupported output format %q (text, json, yaml)", g.output)
		},
	}
	root.PersistentFlags().StringVar(&g.target, "target", "127.0.0.1:9990", "management daemon address")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "output format: text, json or yaml")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "per-call timeout")

	root.AddCommand(
		newAddCommand(g),
		newWriteAttributeCommand(g),
		newRemoveCommand(g),
		newReadResourceCommand(g),
		newReadChildrenNamesCommand(g),
		newReloadCommand(g),
	)
	return root
}

// withClient dials the daemon and runs fn with a call-scoped context.
func (g *globalOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *transport.Client) error) error {
	conn, err := transport.Dial(g.target)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	return fn(ctx, transport.NewClient(conn))
}

func newAddCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add ADDRESS [NAME=VALUE...]",
		Short: "Add a resource",
		Example: `  mgmtctl add /subsystem=elytron/key-store=ks1 path=/etc/ks.jks 'entries=[a, b]'
  mgmtctl add /core-service=management/management-interface=native security-realm=r1 port=9999`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := parseAttributes(args[1:])
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, c *transport.Client) error {
				res, err := c.Add(ctx, args[0], attrs)
				if err != nil {
					return err
				}
				return printResource(cmd.OutOrStdout(), g.output, res)
			})
		},
	}
}

func newWriteAttributeCommand(g *globalOptions) *cobra.Command {
	var undefine bool
	cmd := &cobra.Command{
		Use:   "write-attribute ADDRESS NAME [VALUE]",
		Short: "Set or undefine one attribute",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value interface{}
			switch {
			case undefine && len(args) == 3:
				return fmt.Errorf("--undefine takes no value")
			case !undefine && len(args) == 2:
				return fmt.Errorf("a value is required unless --undefine is set")
			case !undefine:
				v, err := parseValue(args[2])
				if err != nil {
					return err
				}
				value = v
			}
			return g.withClient(cmd, func(ctx context.Context, c *transport.Client) error {
				out, err := c.WriteAttribute(ctx, args[0], args[1], value)
				if err != nil {
					return err
				}
				return printWriteResult(cmd.OutOrStdout(), g.output, out)
			})
		},
	}
	cmd.Flags().BoolVar(&undefine, "undefine", false, "undefine the attribute instead of setting it")
	return cmd
}

func newRemoveCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove ADDRESS",
		Short: "Remove a resource and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *transport.Client) error {
				reload, err := c.Remove(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), g.output, "removed "+args[0], reload)
			})
		},
	}
}

func newReadResourceCommand(g *globalOptions) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "read-resource ADDRESS",
		Short: "Show a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *transport.Client) error {
				res, err := c.ReadResource(ctx, args[0], recursive)
				if err != nil {
					return err
				}
				return printResource(cmd.OutOrStdout(), g.output, res)
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "include stored children")
	return cmd
}

func newReadChildrenNamesCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read-children-names ADDRESS [TYPE]",
		Short: "List child names of one type, or the child types when TYPE is omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *transport.Client) error {
				var names []string
				var err error
				if len(args) == 2 {
					names, err = c.ReadChildrenNames(ctx, args[0], args[1])
				} else {
					names, err = c.ReadChildTypes(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printNames(cmd.OutOrStdout(), g.output, names)
			})
		},
	}
}

func newReloadCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Restart every service from the stored configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *transport.Client) error {
				if err := c.Reload(ctx); err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), g.output, "reloaded", false)
			})
		},
	}
}

// parseAttributes turns NAME=VALUE pairs into a model. Values are YAML scalars or flow
// collections, so 9999 is a number and [a, b] a list.
func parseAttributes(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid attribute %q: expected NAME=VALUE", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("attribute %s given twice", name)
		}
		v, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func parseValue(raw string) (interface{}, error) {
	// Expressions such as ${jboss.host.name} are passed through verbatim.
	if raw == "" || strings.HasPrefix(raw, "${") {
		return raw, nil
	}
	var v interface{}
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}
