package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/modoterra/diaglog/internal/buildinfo"
	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/config"
	"github.com/modoterra/diaglog/pkg/daemon/service"
	"github.com/modoterra/diaglog/pkg/transport/uds"
	tuimodel "github.com/modoterra/diaglog/pkg/tui/model"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the persistent flags shared by every command.
type cli struct {
	socketPath string
	configPath string
	exportDir  string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	var outDir string

	root := &cobra.Command{
		Use:   "diaglog",
		Short: "Bounded in-memory diagnostic log buffer",
		Long:  "diaglog talks to diaglogd, which keeps recent log lines in a fixed byte budget and exports them on demand.",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.resolve(cmd)
		},
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			if outDir == "" {
				outDir = c.exportDir
			}
			c.ensureDaemon()
			app := tuimodel.New(c.socketPath, outDir)
			p := tea.NewProgram(app, tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
	root.PersistentFlags().StringVar(&c.socketPath, "socket", "", "daemon socket path (default from config, $DIAGLOG_SOCKET or "+config.DefaultSocket+")")
	root.PersistentFlags().StringVar(&c.configPath, "config", "diaglog.yaml", "config file")
	root.Flags().StringVar(&outDir, "out", "", "directory exports are written to")

	root.AddCommand(
		c.pingCmd(),
		c.statsCmd(),
		c.tailCmd(),
		c.exportCmd(),
		c.clearCmd(),
		c.sourcesCmd(),
		c.configCmd(),
		c.serviceCmd(),
		versionCmd(),
	)
	return root
}

// resolve fills the socket and export dir from the config file and
// environment unless given on the command line.
func (c *cli) resolve(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case err != nil:
		// config subcommands report their own load errors.
		if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
			cfg = config.Default()
			break
		}
		return err
	}
	cfg.ApplyEnv()
	if !cmd.Flags().Changed("socket") {
		c.socketPath = cfg.Socket
	}
	c.exportDir = cfg.Export.Dir
	return nil
}

func (c *cli) ensureDaemon() {
	if _, err := os.Stat(c.socketPath); err == nil {
		return
	}
	args := []string{"--socket", c.socketPath}
	if _, err := os.Stat(c.configPath); err == nil {
		args = append(args, "--config", c.configPath)
	}
	cmd := exec.Command("diaglogd", args...)
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not start daemon:", err)
		return
	}
	for i := 0; i < 30; i++ {
		if _, err := os.Stat(c.socketPath); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "warning: daemon did not come up, continuing anyway")
}

func (c *cli) dial() (*uds.Client, error) {
	client, err := uds.Dial(c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", c.socketPath, err)
	}
	return client, nil
}

// withClient dials the daemon and runs fn with a bounded context.
func (c *cli) withClient(timeout time.Duration, fn func(context.Context, *uds.Client) error) error {
	client, err := c.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, client)
}

// plainTable is a borderless table with two spaces between columns.
func plainTable() *table.Table {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 0 {
				return lipgloss.NewStyle()
			}
			return lipgloss.NewStyle().PaddingLeft(1)
		})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- Ping ---

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check if daemon is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(2*time.Second, func(ctx context.Context, client *uds.Client) error {
				pong, err := client.Ping(ctx)
				if err != nil {
					return err
				}
				if pong.Pong {
					fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (diaglogd %s)\n", pong.Version)
				}
				return nil
			})
		},
	}
}

// --- Stats ---

func (c *cli) statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show buffer usage and counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(2*time.Second, func(ctx context.Context, client *uds.Client) error {
				sr, err := client.Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), sr.Stats)
				}
				s := sr.Stats
				t := plainTable().Rows(
					[]string{"retained", humanize.Comma(int64(s.Entries)) + " lines", humanize.IBytes(uint64(s.Bytes)) + " / " + humanize.IBytes(uint64(s.Budget))},
					[]string{"evicted", humanize.Comma(int64(s.EvictedEntries)) + " lines", humanize.IBytes(s.EvictedBytes)},
					[]string{"exports", fmt.Sprintf("%d ok", s.Exports), fmt.Sprintf("%d failed", s.ExportFailures)},
					[]string{"failures", fmt.Sprintf("format %d", s.FormatFailures), fmt.Sprintf("append %d", s.AppendFailures)},
					[]string{"mirror", fmt.Sprintf("%d dropped", s.MirrorDropped), ""},
					[]string{"encoding", s.Encoding, ""},
				)
				fmt.Fprintln(cmd.OutOrStdout(), t)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

// --- Tail ---

func (c *cli) tailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest retained lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(5*time.Second, func(ctx context.Context, client *uds.Client) error {
				tr, err := client.Tail(ctx, n)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range tr.Lines {
					io.WriteString(out, e.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of lines (0 for all)")
	return cmd
}

// --- Export ---

func (c *cli) exportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the buffer as a diagnostics file and reset it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outDir == "" {
				outDir = c.exportDir
			}
			return c.withClient(time.Minute, func(ctx context.Context, client *uds.Client) error {
				var path string
				resp, err := client.ExportTo(ctx, func(art *aggregator.Artifact) error {
					var err error
					path, err = art.WriteFile(outDir)
					return err
				})
				if err != nil {
					return err
				}
				art := resp.Artifact
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d lines, %s)\n", path, art.Entries, humanize.IBytes(uint64(len(art.Data))))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default from config)")
	return cmd
}

// --- Clear ---

func (c *cli) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every retained line without exporting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(2*time.Second, func(ctx context.Context, client *uds.Client) error {
				if _, err := client.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared ✓")
				return nil
			})
		},
	}
}

// --- Sources ---

func (c *cli) sourcesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List log sources and their status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(2*time.Second, func(ctx context.Context, client *uds.Client) error {
				resp, err := client.ListSources(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), resp.Sources)
				}
				if len(resp.Sources) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no sources")
					return nil
				}
				t := plainTable().Headers("NAME", "KIND", "STATUS", "LINES", "TARGET")
				for _, s := range resp.Sources {
					t.Row(s.Name, string(s.Kind), string(s.Status), humanize.Comma(int64(s.Lines)), s.Target)
				}
				fmt.Fprintln(cmd.OutOrStdout(), t)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

// --- Config ---

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage diaglog.yaml",
	}

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a diaglog.yaml config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			errs := config.Validate(cfg)
			if len(errs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d sources, budget %s)\n", path, len(cfg.Sources), cfg.Budget)
				return nil
			}
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
			}
			return fmt.Errorf("%s: %d error(s)", path, len(errs))
		},
	}

	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default diaglog.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}
			if err := config.Save(config.Default(), output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVar(&output, "output", "diaglog.yaml", "output file path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(validate, initCmd)
	return cmd
}

// --- Service ---

func (c *cli) serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the diaglogd systemd user service",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Install and start the systemd user service",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := service.Default()
				if err != nil {
					return err
				}
				configPath := ""
				if _, err := os.Stat(c.configPath); err == nil {
					configPath = c.configPath
				}
				if err := m.Install(configPath); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "diaglogd.service installed ✓")
				return nil
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Stop and remove the systemd user service",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := service.Default()
				if err != nil {
					return err
				}
				if err := m.Uninstall(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "diaglogd.service removed ✓")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show daemon socket and service status",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := service.Default()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), m.Status(c.socketPath))
				return nil
			},
		},
	)
	return cmd
}

// --- Version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "diaglog %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		},
	}
}
