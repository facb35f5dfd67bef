package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dghilardi/port-plumber/internal/api"
	"github.com/dghilardi/port-plumber/internal/client"
	"github.com/dghilardi/port-plumber/internal/config"
)

var version = "dev"

type controlClient interface {
	List(ctx context.Context) ([]api.Route, error)
	Resolve(ctx context.Context, name string) (net.IP, error)
	Health(ctx context.Context) (*api.HealthReport, error)
}

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the CLI. A nil dial connects to the --path socket.
func newRootCmd(dial func(path string) controlClient) *cobra.Command {
	if dial == nil {
		dial = func(path string) controlClient { return client.New(path) }
	}
	var (
		path   string
		asJSON bool
	)
	root := &cobra.Command{
		Use:           "pluctl",
		Short:         "Cli interface to port-plumber",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&path, "path", "p", config.DefaultSocketPath, "control socket path")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List current mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			routes, err := dial(path).List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), routes)
			}
			return printRoutes(cmd.OutOrStdout(), routes)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "resolve <name>",
		Short: "Resolve a name, creating its plumbing on first use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip, err := dial(path).Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), api.Endpoint{IP: ip.String()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ip)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Show the resource state of every route",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := dial(path).Health(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			return printHealth(cmd.OutOrStdout(), report)
		},
	})
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRoutes(w io.Writer, routes []api.Route) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tTARGET\tCONNS")
	for _, r := range routes {
		if len(r.Mappings) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\n", r.Name, r.Source, r.Target)
			continue
		}
		for _, m := range r.Mappings {
			fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%d\n", r.Name, r.Source, m.SourcePort, m.Target, m.Connections)
		}
	}
	return tw.Flush()
}

func printHealth(w io.Writer, report *api.HealthReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "overall: %s\n", report.Overall)
	fmt.Fprintln(tw, "NAME\tSTATE\tLEVEL\tMESSAGE")
	for _, r := range report.Routes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.State, r.Level, r.Message)
	}
	return tw.Flush()
}
