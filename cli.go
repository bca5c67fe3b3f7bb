package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gluk-w/ovsdb-viewer/internal/config"
	"github.com/gluk-w/ovsdb-viewer/internal/database"
	"github.com/gluk-w/ovsdb-viewer/internal/history"
	"github.com/gluk-w/ovsdb-viewer/internal/session"
	"github.com/gluk-w/ovsdb-viewer/internal/sshtunnel"
)

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "ovsdb-viewer",
		Short: "Browse OVSDB databases, directly or through SSH jump hosts",
		Long: `ovsdb-viewer connects to one or more OVSDB servers, optionally through a
chain of SSH jump hosts, and serves their schemas and table contents over a
JSON API. The query commands run a single request and print JSON.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.Load()
			if cmd.Name() != "serve" && !verbose {
				log.SetOutput(io.Discard)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection progress to stderr")

	root.AddCommand(newServeCmd())
	root.AddCommand(newDatabasesCmd())
	root.AddCommand(newSchemaCmd())
	root.AddCommand(newTableCmd())
	root.AddCommand(newHistoryCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// connectFlags describe a one-shot connection, either from a YAML profile or
// from flags for a single tunnel shared by every --endpoint.
type connectFlags struct {
	profile   string
	endpoints []string
	database  string
	index     int

	host      string
	port      int
	user      string
	keyFile   string
	jumps     []string
	forwarder string
}

func (f *connectFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.profile, "profile", "", "YAML file with endpoints and tunnels")
	fl.StringArrayVarP(&f.endpoints, "endpoint", "e", nil, "OVSDB endpoint (tcp:host:port or unix:/path); repeatable")
	fl.StringVarP(&f.database, "database", "d", "", "Database name (default from OVSDBV_DEFAULT_DATABASE)")
	fl.IntVar(&f.index, "endpoint-index", 0, "Which connected endpoint to query")
	fl.StringVar(&f.host, "ssh-host", "", "Primary SSH host; enables tunneling")
	fl.IntVar(&f.port, "ssh-port", sshtunnel.DefaultSSHPort, "Primary SSH port")
	fl.StringVar(&f.user, "ssh-user", "", "SSH user")
	fl.StringVar(&f.keyFile, "key-file", "", "Private key for every hop")
	fl.StringArrayVarP(&f.jumps, "jump", "J", nil, "Jump host as [user@]host[:port], in order; repeatable")
	fl.StringVar(&f.forwarder, "forwarder", string(sshtunnel.ForwarderTCP), "Local forwarder type: tcp, unix or auto")
}

// request assembles the connect request. Profile endpoints come first,
// followed by any given with --endpoint.
func (f *connectFlags) request() (session.ConnectRequest, error) {
	var req session.ConnectRequest
	if f.profile != "" {
		data, err := os.ReadFile(f.profile)
		if err != nil {
			return req, fmt.Errorf("read profile: %w", err)
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parse profile %s: %w", f.profile, err)
		}
	}

	for _, ep := range f.endpoints {
		spec := session.EndpointSpec{Endpoint: ep}
		if f.host != "" {
			spec.Tunnel = &sshtunnel.Spec{
				Host:               f.host,
				Port:               f.port,
				User:               f.user,
				KeyFile:            f.keyFile,
				JumpHosts:          append([]string{}, f.jumps...),
				LocalForwarderType: sshtunnel.ForwarderKind(f.forwarder),
			}
		}
		req.Endpoints = append(req.Endpoints, spec)
	}
	if f.database != "" {
		req.Database = f.database
	}
	if len(req.Endpoints) == 0 {
		return req, fmt.Errorf("no endpoints: pass --endpoint or --profile")
	}
	return req, nil
}

// withSession connects, runs fn and always disconnects.
func (f *connectFlags) withSession(ctx context.Context, fn func(s *session.Session) (any, error)) (any, error) {
	req, err := f.request()
	if err != nil {
		return nil, err
	}
	coord, err := newCoordinator(nil)
	if err != nil {
		return nil, err
	}
	defer coord.CloseAll()

	s, err := coord.Connect(ctx, req)
	if err != nil {
		return nil, err
	}
	return fn(s)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func newDatabasesCmd() *cobra.Command {
	var f connectFlags
	cmd := &cobra.Command{
		Use:   "databases",
		Short: "List the databases served by an endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := f.withSession(cmd.Context(), func(s *session.Session) (any, error) {
				return s.ListDatabases(cmd.Context(), f.index)
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	f.register(cmd)
	return cmd
}

func newSchemaCmd() *cobra.Command {
	var f connectFlags
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the parsed schema of a database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := f.withSession(cmd.Context(), func(s *session.Session) (any, error) {
				return s.Schema(cmd.Context(), f.index, "")
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	f.register(cmd)
	return cmd
}

func newTableCmd() *cobra.Command {
	var f connectFlags
	cmd := &cobra.Command{
		Use:   "table <name>",
		Short: "Print every row of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := f.withSession(cmd.Context(), func(s *session.Session) (any, error) {
				return s.Table(cmd.Context(), f.index, "", args[0])
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	f.register(cmd)
	return cmd
}

// openCLIHistory opens the history registry and returns a cleanup func.
func openCLIHistory(ctx context.Context) (*history.Registry, func(), error) {
	cleanup := func() {}
	if config.Cfg.HistoryBackend == "sqlite" {
		if err := database.Init(); err != nil {
			return nil, nil, fmt.Errorf("database init: %w", err)
		}
		cleanup = func() { database.Close() }
	}
	reg, err := openHistory(ctx)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return reg, cleanup, nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or edit saved connections",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print saved connections, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, cleanup, err := openCLIHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return printJSON(cmd.OutOrStdout(), reg.List())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <index>",
		Short: "Remove the saved connection at index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}
			reg, cleanup, err := openCLIHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			if err := reg.Delete(cmd.Context(), index); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted history entry %d, %d remaining.\n", index, reg.Len())
			return nil
		},
	})
	return cmd
}
