package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/benmeehan/tractive-agent/internal/metrics_collectors"
	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/internal/services"
	"github.com/benmeehan/tractive-agent/internal/utils"
	"github.com/benmeehan/tractive-agent/pkg/file"
	"github.com/benmeehan/tractive-agent/pkg/location"
)

type app struct {
	configPath  string
	verbose     bool
	jsonOut     bool
	askPasscode bool
	email       string
	password    string

	stdout     io.Writer
	stderr     io.Writer
	terminal   services.Terminal
	httpClient *http.Client
	geocoder   location.Geocoder
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, terminal: services.NewStdTerminal()}
}

func (a *app) printer() printer {
	return printer{out: a.stdout, json: a.jsonOut}
}

func (a *app) loadConfig() (*utils.Config, zerolog.Logger, error) {
	path := a.configPath
	if path == "" {
		path = utils.DefaultConfigPath()
	}
	cfg, err := utils.LoadConfig(path, file.NewFileService())
	if err != nil {
		return nil, zerolog.Nop(), &models.ValidationError{Field: "config", Value: path, Reason: err.Error()}
	}
	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	return cfg, utils.NewLogger(a.stderr, level, cfg.Logging.Format), nil
}

func (a *app) clientOptions() (services.ClientOptions, error) {
	cfg, logger, err := a.loadConfig()
	if err != nil {
		return services.ClientOptions{}, err
	}
	opts := services.ClientOptions{
		Config:      cfg,
		Credentials: models.Credentials{Email: strings.TrimSpace(a.email), Password: a.password},
		HTTPClient:  a.httpClient,
		Logger:      logger,
	}
	if a.terminal != nil && a.terminal.IsInteractive() {
		opts.Terminal = a.terminal
	}
	if a.askPasscode {
		if opts.Terminal == nil {
			return services.ClientOptions{}, &models.CredentialError{Op: "passcode", Reason: "--passcode needs an interactive terminal"}
		}
		term := opts.Terminal
		opts.Passcode = sync.OnceValues(func() (string, error) {
			return term.ReadPassword("Vault passcode: ")
		})
	}
	return opts, nil
}

// withClient runs fn on an opened client and closes it afterwards.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *services.Client) error) error {
	opts, err := a.clientOptions()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	return services.WithClient(ctx, opts, func(c *services.Client) error {
		return fn(ctx, c)
	})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "tractive",
		Short:         "Tractive pet GPS tracker client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default $TRACTIVE_CONFIG or ~/.config/tractive/config.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	flags.BoolVar(&a.jsonOut, "json", false, "print results as JSON")
	flags.BoolVar(&a.askPasscode, "passcode", false, "prompt for the vault passcode")
	flags.StringVar(&a.email, "email", "", "account email")
	flags.StringVar(&a.password, "password", "", "account password")

	root.AddCommand(
		newStatusCommand(a),
		newLocationCommand(a),
		newLiveLocationCommand(a),
		newControlCommand(a),
		newPetCommand(a),
		newExportCommand(a),
		newHistoryCommand(a),
		newMonitorCommand(a),
		newShareCommand(a),
		newHomeCommand(a),
		newLoginCommand(a),
		newLogoutCommand(a),
		newStatsCommand(a),
	)
	return root
}

func args(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, argv []string) error {
		return usageError(check(cmd, argv))
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tracker and battery status",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				info, err := c.Tracker().TrackerInfo(ctx)
				if err != nil {
					return err
				}
				status, err := c.Tracker().DeviceStatus(ctx)
				if err != nil {
					return err
				}
				low := c.Config().Monitor.LowBatteryLevel
				out := struct {
					Tracker        models.TrackerInfo  `json:"tracker"`
					Status         models.DeviceStatus `json:"status"`
					BatteryState   models.BatteryState `json:"battery_state"`
					NeedsAttention bool                `json:"needs_attention"`
				}{info, status, status.BatteryState(), status.NeedsAttention(low)}
				return a.printer().emit(out, func(w io.Writer) {
					row(w, "Tracker", "%s (%s, fw %s)", info.ID, info.ModelNumber, info.FirmwareVersion)
					row(w, "State", "%s", status.State)
					row(w, "Battery", "%d%% (%s)", status.BatteryLevel, status.BatteryState())
					row(w, "Temperature", "%s", status.TemperatureState)
					row(w, "Updated", "%s", formatUnix(status.Timestamp))
					row(w, "Live tracking", "%t", status.LiveTracking)
					row(w, "Battery saver", "%t", status.BatterySaveMode)
					if out.NeedsAttention {
						row(w, "Attention", "needed")
					}
				})
			})
		},
	}
}

type locationOutput struct {
	services.Resolution
	Address        string   `json:"address,omitempty"`
	DistanceMeters *float64 `json:"distance_from_home_meters,omitempty"`
	AtHome         *bool    `json:"at_home,omitempty"`
}

func (a *app) printResolution(ctx context.Context, c *services.Client, res services.Resolution, address bool, trail bool) error {
	out := locationOutput{Resolution: res}
	if address {
		geocoder := a.geocoder
		var err error
		if geocoder == nil {
			if geocoder, err = c.Geocoder(); err != nil {
				return err
			}
		}
		out.Address, err = geocoder.ReverseGeocode(ctx, res.Location.Point())
		if err != nil {
			return &models.NetworkError{Op: "reverse geocode", Attempts: 1, Err: err}
		}
	}
	if d, ok := c.DistanceFromHome(res.Location); ok {
		home := c.IsAtHome(res.Location, 0)
		out.DistanceMeters, out.AtHome = &d, &home
	}
	now := c.Session().Now()
	return a.printer().emit(out, func(w io.Writer) {
		writeLocation(w, res.Location, now)
		row(w, "Source", "%s", res.Strategy)
		if out.Address != "" {
			row(w, "Address", "%s", out.Address)
		}
		if out.DistanceMeters != nil {
			row(w, "From home", "%.0f m (at home: %t)", *out.DistanceMeters, *out.AtHome)
		}
		if trail {
			states := make([]string, len(res.States))
			for i, s := range res.States {
				states[i] = string(s)
			}
			writeStates(w, states)
			row(w, "Live polls", "%d", res.Polls)
			row(w, "Live activated", "%t (restored: %t)", res.LiveActivated, res.Restored)
		}
	})
}

func newLocationCommand(a *app) *cobra.Command {
	var address, noLive bool
	cmd := &cobra.Command{
		Use:   "location",
		Short: "Locate the pet, falling back from the last report to live GPS",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				res, err := c.Resolver().Resolve(ctx, services.AllowLive(!noLive))
				if err != nil {
					return err
				}
				return a.printResolution(ctx, c, res, address, false)
			})
		},
	}
	cmd.Flags().BoolVar(&address, "address", false, "reverse geocode the fix")
	cmd.Flags().BoolVar(&noLive, "no-live", false, "never switch live tracking on")
	return cmd
}

func newLiveLocationCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "live-location",
		Short: "Locate the pet and show every resolution step",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				res, err := c.Resolver().Resolve(ctx)
				if err != nil {
					return err
				}
				return a.printResolution(ctx, c, res, false, true)
			})
		},
	}
}

func newControlCommand(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "control <led|buzzer|live|battery-saver|public-share> <on|off>",
		Short: "Send a device command and wait for confirmation",
		Args:  args(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			command, err := parseControl(argv[0], argv[1], message)
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				ack, err := c.Dispatcher().Send(ctx, command)
				if err != nil {
					return err
				}
				return a.printer().emit(ack, func(w io.Writer) {
					row(w, "Command", "%s", ack.Command)
					row(w, "Status", "%s after %d poll(s)", ack.Status, ack.Polls)
					if ack.ShareLink != "" {
						row(w, "Share", "%s", ack.ShareLink)
					}
					if ack.Description != "" {
						row(w, "Note", "%s", ack.Description)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "public share message")
	return cmd
}

var controlAliases = map[string]string{
	"led":    string(models.LEDControl),
	"buzzer": string(models.BuzzerControl),
	"live":   string(models.LiveTracking),
	"saver":  string(models.BatterySaver),
	"share":  string(models.PublicShare),
}

func parseControl(kind, state, message string) (models.Command, error) {
	if alias, ok := controlAliases[strings.ToLower(kind)]; ok {
		kind = alias
	}
	return models.NewCommand(kind, state, message)
}

func newPetCommand(a *app) *cobra.Command {
	var picture string
	cmd := &cobra.Command{
		Use:   "pet",
		Short: "Show the pet profile",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				pet, err := c.Tracker().PetData(ctx)
				if err != nil {
					return err
				}
				out := struct {
					models.PetData
					PictureURL  string `json:"picture_url,omitempty"`
					PictureFile string `json:"picture_file,omitempty"`
				}{PetData: pet, PictureURL: services.PictureURL(c.Config().APIBaseURL, pet)}
				if picture != "" {
					if _, err := c.DownloadPicture(ctx, pet, picture); err != nil {
						return err
					}
					out.PictureFile = picture
				}
				return a.printer().emit(out, func(w io.Writer) {
					row(w, "Name", "%s", pet.Name)
					row(w, "Type", "%s", pet.PetType)
					row(w, "Gender", "%s", pet.Gender)
					if pet.Breed != "" {
						row(w, "Breed", "%s", pet.Breed)
					}
					if b := pet.BirthdayTime(); !b.IsZero() {
						row(w, "Birthday", "%s", b.Format("2006-01-02"))
					}
					if pet.Weight > 0 {
						row(w, "Weight", "%.1f", pet.Weight)
					}
					row(w, "Neutered", "%t", pet.Neutered)
					if pet.ChipID != "" {
						row(w, "Chip", "%s", pet.ChipID)
					}
					if out.PictureFile != "" {
						row(w, "Picture", "saved to %s", out.PictureFile)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&picture, "picture", "", "save the profile picture to this file")
	return cmd
}

func newExportCommand(a *app) *cobra.Command {
	var (
		target string
		hours  int
		upload bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the GPS history as CSV",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hours < 0 {
				return &models.ValidationError{Field: "hours", Value: fmt.Sprint(hours), Reason: "must be positive"}
			}
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				if hours == 0 {
					hours = c.Config().Export.Hours
				}
				if target == "" && !upload {
					_, err := c.Export().Export(ctx, a.stdout, hours)
					return err
				}
				if target == "" {
					target = fmt.Sprintf("gps_export_%s.csv", time.Now().Format("20060102_150405"))
				}
				result, err := c.Export().ExportFile(ctx, target, hours, upload)
				if err != nil {
					return err
				}
				return a.printer().emit(result, func(w io.Writer) {
					row(w, "Rows", "%d", result.Rows)
					row(w, "File", "%s", result.File)
					if result.URL != "" {
						row(w, "Uploaded", "%s", result.ObjectName)
						row(w, "URL", "%s", result.URL)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&target, "file", "", "write to this file instead of stdout")
	cmd.Flags().IntVar(&hours, "hours", 0, "hours of history (default export.hours)")
	cmd.Flags().BoolVar(&upload, "upload", false, "upload the file to export.s3")
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Summarise recent movement",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hours <= 0 {
				return &models.ValidationError{Field: "hours", Value: fmt.Sprint(hours), Reason: "must be positive"}
			}
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				h, err := c.Tracker().LocationHistory(ctx, hours)
				if err != nil {
					return err
				}
				return a.printer().emit(h, func(w io.Writer) {
					row(w, "Points", "%d", h.Count)
					row(w, "Time span", "%s", h.TimeSpan)
					row(w, "Distance", "%.2f km", h.TotalDistance/1000)
					row(w, "Max speed", "%.1f km/h", h.MaxSpeed)
					row(w, "Average speed", "%.1f km/h", h.AverageSpeed)
					if start, ok := h.Start(); ok {
						row(w, "Start", "%.6f, %.6f at %s", start.Latitude, start.Longitude, formatUnix(start.Timestamp))
					}
					if end, ok := h.End(); ok {
						row(w, "End", "%.6f, %.6f at %s", end.Latitude, end.Longitude, formatUnix(end.Timestamp))
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "hours of history")
	return cmd
}

func newMonitorCommand(a *app) *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow the pet until it is home",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if threshold < 0 {
				return &models.ValidationError{Field: "threshold", Value: fmt.Sprint(threshold), Reason: "must not be negative"}
			}
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				publisher, err := c.MonitorPublisher()
				if err != nil {
					return err
				}
				var monitor *services.MonitorService
				if publisher != nil {
					defer publisher.Close()
					monitor, err = c.Monitor(threshold, publisher)
				} else {
					monitor, err = c.Monitor(threshold, nil)
				}
				if err != nil {
					return err
				}
				err = monitor.Run(ctx, func(e services.MonitorEvent) { a.printEvent(e) })
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "meters from home that count as home (default home.threshold_meters)")
	return cmd
}

func (a *app) printEvent(e services.MonitorEvent) {
	if a.jsonOut {
		_ = a.printer().emit(e, nil)
		return
	}
	line := e.Time.Local().Format("15:04:05") + " " + e.Type
	switch {
	case e.Error != "":
		line += ": " + e.Error
	case e.Type == services.EventLowBattery:
		line += fmt.Sprintf(": %d%%", e.BatteryLevel)
	case e.DistanceMeters != nil:
		line += fmt.Sprintf(": %.0f m from home", *e.DistanceMeters)
	}
	fmt.Fprintln(a.stdout, line)
}

func newShareCommand(a *app) *cobra.Command {
	share := &cobra.Command{
		Use:   "share",
		Short: "Manage public location links",
	}

	var message string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a public share",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				if message == "" {
					message = c.Config().Commands.ShareMessage
				}
				s, err := c.Tracker().CreateShare(ctx, message)
				if err != nil {
					return err
				}
				return a.printer().emit(s, func(w io.Writer) {
					row(w, "Share", "%s", s.ID)
					row(w, "Link", "%s", s.Link)
				})
			})
		},
	}
	create.Flags().StringVar(&message, "message", "", "message shown with the share")

	list := &cobra.Command{
		Use:   "list",
		Short: "List public shares",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				shares, err := c.Tracker().ListShares(ctx)
				if err != nil {
					return err
				}
				now := c.Session().Now()
				return a.printer().emit(shares, func(w io.Writer) {
					if len(shares) == 0 {
						fmt.Fprintln(w, "No public shares")
						return
					}
					fmt.Fprintln(w, "ID\tACTIVE\tAGE\tLINK\tMESSAGE")
					for _, s := range shares {
						fmt.Fprintf(w, "%s\t%t\t%.1fh\t%s\t%s\n", s.ID, s.Active, s.AgeHours(now), s.Link, s.Message)
					}
				})
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Deactivate a public share",
		Args:  args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				if err := c.Tracker().DeactivateShare(ctx, argv[0]); err != nil {
					return err
				}
				return a.printer().emit(map[string]string{"revoked": argv[0]}, func(w io.Writer) {
					row(w, "Revoked", "%s", argv[0])
				})
			})
		},
	}

	share.AddCommand(create, list, revoke)
	return share
}

func newHomeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "Show the distance between the pet and home",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				home, ok := c.Home()
				if !ok {
					return &models.ValidationError{Field: "home", Reason: "home position is not configured"}
				}
				res, err := c.Resolver().Resolve(ctx, services.AllowLive(false))
				if err != nil {
					return err
				}
				d, _ := c.DistanceFromHome(res.Location)
				out := struct {
					Home           location.Point     `json:"home"`
					Location       models.GPSLocation `json:"location"`
					DistanceMeters float64            `json:"distance_meters"`
					ThresholdM     float64            `json:"threshold_meters"`
					AtHome         bool               `json:"at_home"`
				}{home, res.Location, d, c.Config().Home.ThresholdMeters, c.IsAtHome(res.Location, 0)}
				return a.printer().emit(out, func(w io.Writer) {
					row(w, "Home", "%.6f, %.6f", home.Latitude, home.Longitude)
					row(w, "Pet", "%.6f, %.6f", res.Location.Latitude, res.Location.Longitude)
					row(w, "Distance", "%.0f m", d)
					row(w, "At home", "%t", out.AtHome)
				})
			})
		},
	}
}

func newLoginCommand(a *app) *cobra.Command {
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify credentials and store them encrypted",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.clientOptions()
			if err != nil {
				return err
			}
			creds, err := a.promptCredentials(opts.Credentials)
			if err != nil {
				return err
			}
			defer creds.Wipe()
			if cmd.Flags().Changed("home-lat") || cmd.Flags().Changed("home-lon") {
				creds = creds.WithHome(lat, lon)
				if _, ok := creds.Home(); !ok {
					return &models.ValidationError{Field: "home", Reason: "latitude and longitude must both be set and in range"}
				}
			}

			client, err := services.NewClient(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer client.Close(ctx)
			session, err := client.Session().Authenticate(ctx, creds)
			if err != nil {
				return err
			}
			if err := client.Vault().Store(ctx, creds); err != nil {
				return err
			}
			return a.printer().emit(session, func(w io.Writer) {
				row(w, "Logged in", "%s", models.MaskEmail(creds.Email))
				row(w, "User", "%s", session.UserID)
				row(w, "Stored", "encrypted")
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "home-lat", 0, "home latitude")
	cmd.Flags().Float64Var(&lon, "home-lon", 0, "home longitude")
	return cmd
}

func (a *app) promptCredentials(given models.Credentials) (models.Credentials, error) {
	if given.Complete() {
		return given, nil
	}
	if a.terminal == nil || !a.terminal.IsInteractive() {
		return models.Credentials{}, &models.CredentialError{Op: "login", Reason: "pass --email and --password or run on a terminal"}
	}
	creds := given
	var err error
	if creds.Email == "" {
		if creds.Email, err = a.terminal.ReadLine("Email: "); err != nil {
			return models.Credentials{}, &models.CredentialError{Op: "login", Source: services.SourcePrompt, Reason: "read email", Err: err}
		}
		creds.Email = strings.TrimSpace(creds.Email)
	}
	if creds.Password == "" {
		if creds.Password, err = a.terminal.ReadPassword("Password: "); err != nil {
			return models.Credentials{}, &models.CredentialError{Op: "login", Source: services.SourcePrompt, Reason: "read password", Err: err}
		}
	}
	if !creds.Complete() {
		return models.Credentials{}, &models.CredentialError{Op: "login", Source: services.SourcePrompt, Reason: "email and password are required"}
	}
	return creds, nil
}

func newLogoutCommand(a *app) *cobra.Command {
	var forget bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End the session, optionally deleting stored credentials",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.clientOptions()
			if err != nil {
				return err
			}
			client, err := services.NewClient(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := client.Close(ctx); err != nil {
				return err
			}
			if forget {
				if err := client.Vault().Delete(ctx); err != nil {
					return err
				}
			}
			return a.printer().emit(map[string]bool{"logged_out": true, "forgotten": forget}, func(w io.Writer) {
				row(w, "Session", "discarded")
				if forget {
					row(w, "Credentials", "deleted")
				}
			})
		},
	}
	cmd.Flags().BoolVar(&forget, "forget", false, "delete the stored credentials")
	return cmd
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Log in, read the tracker and print session counters",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *services.Client) error {
				if _, err := c.Tracker().TrackerState(ctx); err != nil {
					return err
				}
				snap, err := c.Metrics().Snapshot()
				if err != nil {
					return err
				}
				hitRate := 0.0
				if total := snap.CacheHits + snap.CacheMisses; total > 0 {
					hitRate = snap.CacheHits / total
				}
				out := struct {
					Session      models.Session              `json:"session"`
					Requests     float64                     `json:"requests"`
					CacheHitRate float64                     `json:"cache_hit_rate"`
					Counters     metrics_collectors.Snapshot `json:"counters"`
				}{c.Session().Session(), snap.TotalRequests(), hitRate, snap}
				return a.printer().emit(out, func(w io.Writer) {
					session := c.Session().Session()
					row(w, "Session", "%s (expires %s)", session.ID, session.ExpiresAt.Local().Format(time.RFC3339))
					row(w, "Requests", "%.0f", snap.TotalRequests())
					row(w, "Retries", "%.0f", snap.Retries)
					row(w, "Re-authentications", "%.0f", snap.Reauths)
					row(w, "Cache hits", "%.0f (%.0f%%)", snap.CacheHits, hitRate*100)
					for _, k := range sortedKeys(snap.Errors) {
						row(w, "Errors "+k, "%.0f", snap.Errors[k])
					}
				})
			})
		},
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
