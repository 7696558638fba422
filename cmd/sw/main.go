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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"skywatch/internal/config"
	"skywatch/internal/db"
	"skywatch/internal/domain"
	"skywatch/internal/engine"
	"skywatch/internal/engine/auth"
	"skywatch/internal/migrate"
	"skywatch/internal/repo"
	"skywatch/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sw",
	Short: "Skywatch CLI",
	Long: `Skywatch recommends transient targets to observers and tracks what happens
to each recommendation.

- Workspace: your .skywatch directory holding the database; skywatch.yml
  next to it holds the API secret and generator settings.
- Catalog: objects (transients) with provider aliases, observations, and
  model forecasts of upcoming brightness.
- Groups: each generation pass produces one atomic batch of
  recommendations, prioritized per user and facility.
- Lifecycle: a recommendation goes pending -> accepted or rejected, and an
  accepted one becomes fulfilled once an observation is attached.
- Clients: API credentials (key + secret, stored hashed) that log in for
  bearer tokens. Level 0 is root, 1 admin, 2+ observer.
- Messages: an append-only trail with per-consumer read receipts.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SKYWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("user", 0, "acting user id for recommendation commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(facilityCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(objectCmd())
	rootCmd.AddCommand(observationCmd())
	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(recommendationCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(serveCmd())
}

// localClient is the identity CLI commands act as. The CLI has direct
// database access, so it runs as root on behalf of --user.
func localClient() domain.Client {
	return domain.Client{UserID: viper.GetInt64("user"), Level: auth.LevelRoot}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write skywatch.yml with a fresh signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			secret, err := auth.GenerateSecret()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(secret)), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userDeleteCmd())
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userUnregisterCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddUser(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&u.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&u.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&u.Email, "email", "", "email address")
	cmd.Flags().StringVar(&u.Alias, "alias", "", "short alias used in source names")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("alias")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Alias", "Email", "Name"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Alias, u.Email, strings.TrimSpace(u.FirstName + " " + u.LastName)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id-or-alias>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Repo.GetUserByAlias(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					var id int64
					if _, scanErr := fmt.Sscanf(args[0], "%d", &id); scanErr == nil {
						u, err = e.Repo.GetUser(ctx, id)
					}
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func userDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveUser(ctx, id)
			})
		},
	}
	return cmd
}

func userRegisterCmd() *cobra.Command {
	var facilityID int64
	cmd := &cobra.Command{
		Use:   "register <user-id>",
		Short: "Register a user at a facility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RegisterFacility(ctx, userID, facilityID)
			})
		},
	}
	cmd.Flags().Int64Var(&facilityID, "facility", 0, "facility id")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func userUnregisterCmd() *cobra.Command {
	var facilityID int64
	cmd := &cobra.Command{
		Use:   "unregister <user-id>",
		Short: "Unregister a user from a facility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UnregisterFacility(ctx, userID, facilityID)
			})
		},
	}
	cmd.Flags().Int64Var(&facilityID, "facility", 0, "facility id")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func facilityCmd() *cobra.Command {
	fac := &cobra.Command{Use: "facility", Short: "Manage facilities"}
	fac.AddCommand(facilityAddCmd())
	fac.AddCommand(facilityListCmd())
	fac.AddCommand(facilityDeleteCmd())
	return fac
}

func facilityAddCmd() *cobra.Command {
	var f domain.Facility
	var lat, lon, elev float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a facility",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("latitude") {
				f.Latitude = &lat
			}
			if cmd.Flags().Changed("longitude") {
				f.Longitude = &lon
			}
			if cmd.Flags().Changed("elevation") {
				f.Elevation = &elev
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddFacility(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "facility name")
	cmd.Flags().Float64Var(&f.LimitingMagnitude, "limiting-magnitude", 0, "faintest magnitude the facility can reach")
	cmd.Flags().Float64Var(&lat, "latitude", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&lon, "longitude", 0, "longitude in degrees")
	cmd.Flags().Float64Var(&elev, "elevation", 0, "elevation in meters")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("limiting-magnitude")
	return cmd
}

func facilityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List facilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fs, err := e.Repo.ListFacilities(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Limiting Mag"})
				for _, f := range fs {
					tw.AppendRow(table.Row{f.ID, f.Name, f.LimitingMagnitude})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func facilityDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a facility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveFacility(ctx, id)
			})
		},
	}
	return cmd
}

func clientCmd() *cobra.Command {
	cl := &cobra.Command{Use: "client", Short: "Manage API credentials"}
	cl.AddCommand(clientCreateCmd())
	cl.AddCommand(clientListCmd())
	cl.AddCommand(clientRotateSecretCmd())
	cl.AddCommand(clientRotateKeyCmd())
	cl.AddCommand(clientRevokeCmd())
	cl.AddCommand(clientRestoreCmd())
	return cl
}

func printCredential(cred engine.Credential) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"client": cred.Client, "key": cred.Key, "secret": cred.Secret})
	}
	fmt.Printf("client: %d (user %d, level %d)\n", cred.Client.ID, cred.Client.UserID, cred.Client.Level)
	fmt.Printf("key:    %s\n", cred.Key)
	fmt.Printf("secret: %s\n", cred.Secret)
	fmt.Println("Store the secret now. Only its hash is kept.")
	return nil
}

func clientCreateCmd() *cobra.Command {
	var level int
	cmd := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Issue a credential for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("level") {
				level = -1
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cred, err := e.CreateClient(ctx, userID, level)
				if err != nil {
					return err
				}
				return printCredential(cred)
			})
		},
	}
	cmd.Flags().IntVar(&level, "level", 0, "privilege level (0 root, 1 admin, 2+ observer)")
	return cmd
}

func clientListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cs, err := e.Repo.ListClients(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Level", "Key", "Valid"})
				for _, c := range cs {
					tw.AppendRow(table.Row{c.ID, c.UserID, c.Level, c.Key, c.Valid})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func clientRotateSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate-secret <client-id>",
		Short: "Rotate a client secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cred, err := e.RotateSecret(ctx, id)
				if err != nil {
					return err
				}
				return printCredential(cred)
			})
		},
	}
	return cmd
}

func clientRotateKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate-key <client-id>",
		Short: "Rotate a client key and secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cred, err := e.RotateKey(ctx, id)
				if err != nil {
					return err
				}
				return printCredential(cred)
			})
		},
	}
	return cmd
}

func clientRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <client-id>",
		Short: "Revoke a credential and its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeClient(ctx, id)
			})
		},
	}
	return cmd
}

func clientRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <client-id>",
		Short: "Restore a revoked credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RestoreClient(ctx, id)
			})
		},
	}
	return cmd
}

func objectCmd() *cobra.Command {
	obj := &cobra.Command{Use: "object", Short: "Manage the object catalog"}
	obj.AddCommand(objectAddCmd())
	obj.AddCommand(objectFindCmd())
	obj.AddCommand(objectListCmd())
	obj.AddCommand(objectAliasCmd())
	return obj
}

func objectAddCmd() *cobra.Command {
	var o domain.Object
	var redshift float64
	var aliases []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an object",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("redshift") {
				o.Redshift = &redshift
			}
			if len(aliases) > 0 {
				o.Aliases = map[string]string{}
				for _, a := range aliases {
					parts := strings.SplitN(a, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("alias must be provider=designation, got %q", a)
					}
					o.Aliases[parts[0]] = parts[1]
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddObject(ctx, o)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&o.Name, "name", "", "primary designation (e.g. 2021abc)")
	cmd.Flags().Float64Var(&o.RA, "ra", 0, "right ascension in degrees")
	cmd.Flags().Float64Var(&o.Dec, "dec", 0, "declination in degrees")
	cmd.Flags().Float64Var(&redshift, "redshift", 0, "redshift")
	cmd.Flags().StringArrayVar(&aliases, "alias", []string{}, "provider=designation (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func objectFindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <identifier>",
		Short: "Find an object by id, designation, or alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.FindObject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func objectListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				objs, err := e.Repo.ListObjects(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(objs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "RA", "Dec"})
				for _, o := range objs {
					tw.AppendRow(table.Row{o.ID, o.Name, o.RA, o.Dec})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	return cmd
}

func objectAliasCmd() *cobra.Command {
	var provider, alias string
	cmd := &cobra.Command{
		Use:   "alias <object-id>",
		Short: "Bind a provider alias to an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddObjectAlias(ctx, id, provider, alias)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider name (e.g. ztf)")
	cmd.Flags().StringVar(&alias, "designation", "", "provider designation")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("designation")
	return cmd
}

func observationCmd() *cobra.Command {
	obs := &cobra.Command{Use: "observation", Short: "Manage observations"}
	obs.AddCommand(observationTypeAddCmd())
	obs.AddCommand(observationAddCmd())
	obs.AddCommand(observationListCmd())
	return obs
}

func observationTypeAddCmd() *cobra.Command {
	var t domain.ObservationType
	cmd := &cobra.Command{
		Use:   "type-add",
		Short: "Add an observation type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddObservationType(ctx, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&t.Name, "name", "", "type name (e.g. g-mag)")
	cmd.Flags().StringVar(&t.Units, "units", "", "units (e.g. mag)")
	cmd.Flags().StringVar(&t.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("units")
	return cmd
}

func observationAddCmd() *cobra.Command {
	var opts engine.ObservationOptions
	var errVal float64
	var when string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Ingest an observation from a named source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("error") {
				opts.Error = &errVal
			}
			if when != "" {
				t, err := time.Parse(time.RFC3339, when)
				if err != nil {
					return fmt.Errorf("invalid --time: %w", err)
				}
				opts.Time = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				obs, err := e.AddObservation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(obs)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TypeName, "type", "", "observation type name")
	cmd.Flags().Int64Var(&opts.ObjectID, "object", 0, "object id")
	cmd.Flags().StringVar(&opts.SourceName, "source", "", "source name")
	cmd.Flags().Float64Var(&opts.Value, "value", 0, "measured value")
	cmd.Flags().Float64Var(&errVal, "error", 0, "measurement error")
	cmd.Flags().StringVar(&when, "time", "", "observation time (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("object")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func observationListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <object-id>",
		Short: "List observations for an object, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				obs, err := e.Repo.ListObjectObservations(ctx, id, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(obs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	return cmd
}

func modelCmd() *cobra.Command {
	mdl := &cobra.Command{Use: "model", Short: "Manage forecasts"}
	mdl.AddCommand(modelTypeAddCmd())
	mdl.AddCommand(modelForecastCmd())
	return mdl
}

func modelTypeAddCmd() *cobra.Command {
	var t domain.ModelType
	cmd := &cobra.Command{
		Use:   "type-add",
		Short: "Add a model type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddModelType(ctx, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&t.Name, "name", "", "type name")
	cmd.Flags().StringVar(&t.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func modelForecastCmd() *cobra.Command {
	var opts engine.ForecastOptions
	var accuracy float64
	var when string
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Store a forecast and its predicted observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("accuracy") {
				opts.Accuracy = &accuracy
			}
			if when != "" {
				t, err := time.Parse(time.RFC3339, when)
				if err != nil {
					return fmt.Errorf("invalid --time: %w", err)
				}
				opts.Time = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddForecast(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ModelTypeName, "model-type", "", "model type name")
	cmd.Flags().StringVar(&opts.ObservationTypeName, "observation-type", "", "observation type for the predicted value")
	cmd.Flags().Int64Var(&opts.ObjectID, "object", 0, "object id")
	cmd.Flags().Float64Var(&opts.Value, "value", 0, "predicted value")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "model accuracy in [0,1]")
	cmd.Flags().StringVar(&when, "time", "", "predicted time (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("model-type")
	_ = cmd.MarkFlagRequired("observation-type")
	_ = cmd.MarkFlagRequired("object")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func groupCmd() *cobra.Command {
	grp := &cobra.Command{Use: "group", Short: "Manage recommendation groups"}
	grp.AddCommand(groupGenerateCmd())
	grp.AddCommand(groupListCmd())
	grp.AddCommand(groupShowCmd())
	return grp
}

func groupGenerateCmd() *cobra.Command {
	var perUser int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a recommendation batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.GenerateGroup(ctx, engine.GenerateOptions{PerUserLimit: perUser})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("group %d (batch %s): %d recommendations for %d users\n",
					res.Group.ID, res.Group.BatchID, len(res.Recommendations), res.Users)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&perUser, "per-user", 0, "targets per user and facility (0 = config default)")
	return cmd
}

func groupListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List groups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gs, err := e.Repo.ListGroups(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(gs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	return cmd
}

func groupShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <group-id>",
		Short: "Show a group and its recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetGroup(ctx, id)
				if err != nil {
					return err
				}
				recs, err := e.Repo.ListGroupRecommendations(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"group": g, "recommendations": recs})
			})
		},
	}
	return cmd
}

func recommendationCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "rec",
		Short: "Work a recommendation queue",
		Long:  "Acts as --user. next shows pending targets by priority; accept, reject, and observed settle them.",
	}
	rec.AddCommand(recNextCmd())
	rec.AddCommand(recHistoryCmd())
	rec.AddCommand(recAcceptCmd())
	rec.AddCommand(recRejectCmd())
	rec.AddCommand(recObservedCmd())
	return rec
}

func recNextCmd() *cobra.Command {
	var groupID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Pending recommendations, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.Next(ctx, localClient(), groupID, nil, nil, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Priority", "Object", "Facility"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.ID, r.Priority, r.ObjectID, r.FacilityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&groupID, "group", 0, "group id (0 = latest)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	return cmd
}

func recHistoryCmd() *cobra.Command {
	var groupID int64
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Settled recommendations in a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.History(ctx, localClient(), groupID)
				if err != nil {
					return err
				}
				return printJSONOrTable(recs)
			})
		},
	}
	cmd.Flags().Int64Var(&groupID, "group", 0, "group id (0 = latest)")
	return cmd
}

func recAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a pending recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Accept(ctx, localClient(), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func recRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Reject(ctx, localClient(), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func recObservedCmd() *cobra.Command {
	var opts engine.ObservedOptions
	var errVal float64
	var when string
	cmd := &cobra.Command{
		Use:   "observed <id>",
		Short: "Record an observation and fulfill the recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.RecommendationID = id
			if cmd.Flags().Changed("error") {
				opts.Error = &errVal
			}
			if when != "" {
				t, err := time.Parse(time.RFC3339, when)
				if err != nil {
					return fmt.Errorf("invalid --time: %w", err)
				}
				opts.Time = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Observed(ctx, localClient(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TypeName, "type", "", "observation type name")
	cmd.Flags().Float64Var(&opts.Value, "value", 0, "measured value")
	cmd.Flags().Float64Var(&errVal, "error", 0, "measurement error")
	cmd.Flags().StringVar(&when, "time", "", "observation time (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{Use: "message", Short: "Message trail"}
	msg.AddCommand(messagePublishCmd())
	msg.AddCommand(messageUnseenCmd())
	msg.AddCommand(messageSeenCmd())
	msg.AddCommand(messageTailCmd())
	return msg
}

func messagePublishCmd() *cobra.Command {
	var topic, level, producer, text string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message on a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.PublishMessage(ctx, topic, level, producer, text)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic name")
	cmd.Flags().StringVar(&level, "level", "info", "level (debug, info, warning, error, critical)")
	cmd.Flags().StringVar(&producer, "producer", "", "producer name")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func messageUnseenCmd() *cobra.Command {
	var consumer, topic string
	var limit int
	cmd := &cobra.Command{
		Use:   "unseen",
		Short: "Messages a consumer has not receipted, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ms, err := e.Unseen(ctx, consumer, topic, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(ms)
			})
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer name")
	cmd.Flags().StringVar(&topic, "topic", "", "topic name")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	_ = cmd.MarkFlagRequired("consumer")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func messageSeenCmd() *cobra.Command {
	var consumer string
	cmd := &cobra.Command{
		Use:   "seen <message-id>",
		Short: "Record a receipt for a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.MarkSeen(ctx, consumer, id)
			})
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer name")
	_ = cmd.MarkFlagRequired("consumer")
	return cmd
}

func messageTailCmd() *cobra.Command {
	var topic string
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Latest messages on a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTopicByName(ctx, topic)
				if err != nil {
					return err
				}
				ms, err := e.Repo.ListTopicMessages(ctx, t.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(ms)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic name")
	cmd.Flags().IntVar(&n, "n", 20, "number of messages")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Context: cmd.Context()})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Skywatch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
