package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/app"
	"gateline/internal/audit"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/repo"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline is a permission-enforcing command execution core for multi-agent automation.
Agents act as roles; every domain of shared state has a declared owner role; every
execution attempt, permitted or denied, lands in a totally ordered audit trail
written ahead of the mutation it records.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("role", "", "caller role")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var coreID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default gateline.yml and initialize the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(coreID)), 0o644); err != nil {
				return err
			}
			core, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer core.Close()
			fmt.Printf("Initialized %s with %d commands across %d domains\n",
				path, len(core.Config.Commands), len(core.Config.Policy.Domains))
			return nil
		},
	}
	cmd.Flags().StringVar(&coreID, "id", "gateline", "core id")
	return cmd
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Inspect the ownership policy"}
	pol.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show domains, owners, and readable domains per role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				p := core.Registry.Current().Policy()
				if viper.GetBool("json") {
					view := map[string]any{}
					for _, name := range p.Domains() {
						view[name] = p.OwnerOf(name)
					}
					return printJSON(map[string]any{"domains": view, "roles": p.Roles()})
				}
				t := newTable("DOMAIN", "OWNERS")
				for _, name := range p.Domains() {
					t.AppendRow(table.Row{name, strings.Join(p.OwnerOf(name), ", ")})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	})
	pol.AddCommand(policyValidateCmd())
	return pol
}

func policyValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate gateline.yml without activating it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				if _, err := config.FromFile(file); err != nil {
					return err
				}
				fmt.Println("configuration valid")
				return nil
			}
			workspace := viper.GetString("workspace")
			if _, err := config.Load(workspace); err != nil {
				return err
			}
			// a full core open also revalidates commands against the policy
			core, err := app.Open(workspace)
			if err != nil {
				return err
			}
			core.Close()
			fmt.Println("configuration valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "validate this config file instead of the workspace config")
	return cmd
}

func commandCmd() *cobra.Command {
	c := &cobra.Command{Use: "command", Short: "Inspect command definitions"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List command definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				defs := core.Registry.Current().Commands()
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				t := newTable("ID", "ROLE", "DOMAIN", "PERMISSION", "PREDICATE")
				for _, def := range defs {
					t.AppendRow(table.Row{def.ID, def.Role, def.Domain, def.Permission, def.SuccessPredicate})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one command definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				def, err := core.Registry.Current().Resolve(args[0])
				if err != nil {
					return err
				}
				return printJSON(def)
			})
		},
	})
	return c
}

func execCmd() *cobra.Command {
	var commandID, argsJSON, correlationID string
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute a command as a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			role := viper.GetString("role")
			if role == "" {
				return fmt.Errorf("--role required")
			}
			if commandID == "" {
				return fmt.Errorf("--command required")
			}
			cmdArgs := map[string]any{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &cmdArgs); err != nil {
					return fmt.Errorf("--args: %w", err)
				}
			}
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				result, err := core.Executor.ExecuteCorrelated(ctx, role, commandID, cmdArgs, correlationID)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&commandID, "command", "", "command id")
	cmd.Flags().StringVar(&argsJSON, "args", "", "arguments as JSON object")
	cmd.Flags().StringVar(&correlationID, "correlation", "", "correlation id (default: random)")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Inspect the audit trail"}
	a.AddCommand(auditTailCmd())
	a.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one audit entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid entry id %s", args[0])
			}
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				entry, err := core.Audit.Get(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	})
	return a
}

func auditTailCmd() *cobra.Command {
	var n int
	var role, domainName, outcome string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the audit trail, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				entries, err := core.Audit.Latest(ctx, n, audit.Filter{
					Role:    role,
					Domain:  domainName,
					Outcome: outcome,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				t := newTable("ID", "TS", "ROLE", "COMMAND", "DOMAIN", "OP", "OUTCOME")
				for _, e := range entries {
					t.AppendRow(table.Row{e.ID, e.TS, e.Role, e.CommandID, e.Domain, e.Operation, e.Outcome})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&role, "filter-role", "", "role filter")
	cmd.Flags().StringVar(&domainName, "domain", "", "domain filter")
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome filter")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect or resolve audit entries stuck in attempted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				report, err := core.Reconciler().Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage API keys"}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				keys, err := core.Repo.ListKeys(ctx, viper.GetString("role"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := newTable("ID", "ROLE", "NAME", "CREATED")
				for _, key := range keys {
					t.AppendRow(table.Row{key.ID, key.Role, key.Name, key.CreatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				return core.Repo.DeleteKey(ctx, args[0])
			})
		},
	})
	return k
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to a role; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			role := viper.GetString("role")
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				if !core.Registry.Current().Policy().HasRole(role) {
					return fmt.Errorf("role %s not in the configured role set", role)
				}
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					Role:    role,
					Name:    name,
					KeyHash: repo.HashKey(secret),
				}
				if err := core.Repo.InsertKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("key id: %s\nsecret: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowRoleHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Gateline HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, core *app.Core) error {
				authCfg := server.AuthConfig{
					JWTSecret:       os.Getenv("GATELINE_JWT_SECRET"),
					AllowRoleHeader: allowRoleHeader,
				}
				if authCfg.JWTSecret == "" && !allowRoleHeader {
					return fmt.Errorf("GATELINE_JWT_SECRET is required unless --allow-role-header is set")
				}
				handler, err := server.New(server.Config{Core: core, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Gateline API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowRoleHeader, "allow-role-header", false, "accept the unauthenticated X-Role header (development only)")
	return cmd
}

// --- helpers ---

func withCore(ctx context.Context, fn func(context.Context, *app.Core) error) error {
	core, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(ctx, core)
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
