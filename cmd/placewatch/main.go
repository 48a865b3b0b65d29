package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanternops/placewatch/internal/audit"
	"github.com/lanternops/placewatch/internal/config"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "placewatch",
	Short: "Roblox group presence watcher for Discord",
	Long: `placewatch watches the ranked members of a Roblox group, announces when they
join or leave a target place, and keeps a live panel message up to date in Discord.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Discord and serve slash commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("placewatch v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective watch settings and the stored panel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd.Context())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the operator audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check the hash chain of an audit trail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			path = cfg.Audit.File
		}
		if path == "" {
			return fmt.Errorf("no audit trail configured; pass a file or set audit.file")
		}
		n, err := audit.Verify(path)
		if err != nil {
			return fmt.Errorf("%s: chain invalid after %d entries: %w", path, n, err)
		}
		fmt.Printf("%s: %d entries, chain intact\n", path, n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./placewatch.yaml or /etc/placewatch/placewatch.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)

	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("placewatch v%s\n", version)
	if cfgFile != "" {
		fmt.Printf("Config:        %s\n", cfgFile)
	}
	fmt.Printf("Group:         %d (rank ≥ %d)\n", cfg.GroupID, cfg.MinRank)
	fmt.Printf("Target place:  %s\n", cfg.TargetPlaceID)
	fmt.Printf("Poll:          %s\n", cfg.PollInterval)
	fmt.Printf("Roster:        %s\n", cfg.RosterRefreshInterval)
	fmt.Printf("Alerts:        %v\n", cfg.AlertsEnabled)
	fmt.Printf("State backend: %s\n", cfg.State.Backend)

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state from %s: %w", st.Name(), err)
	}
	if state.Panel.Valid() {
		fmt.Printf("Panel:         channel %s, message %s\n", state.Panel.ChannelID, state.Panel.MessageID)
	} else {
		fmt.Println("Panel:         not created")
	}
	return nil
}
