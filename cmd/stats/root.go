package stats

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wstore/cmd/util"
	"github.com/ValentinKolb/wstore/lib/storage/backend"
	"github.com/ValentinKolb/wstore/lib/storage/lstore"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"strings"
)

var (
	// StatsCmd prints the state of the table of an origin
	StatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show size, quota and state of the table of an origin",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.BindCommandFlags(cmd)
		},
		RunE: run,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupIdentityFlags(StatsCmd)
	StatsCmd.Flags().Bool("metrics", false, util.WrapString("Also print the engine metrics in the Prometheus text format"))
}

func run(_ *cobra.Command, _ []string) error {
	id, err := util.GetIdentity()
	if err != nil {
		return err
	}

	m, _, err := util.OpenEngine()
	if err != nil {
		return err
	}
	defer func() { _ = util.CloseEngine(m) }()

	s, err := lstore.NewLocalStore(m, id)
	if err != nil {
		return err
	}
	defer s.Close()

	// force the table to load
	if _, err := s.Length(context.Background()); err != nil {
		return err
	}

	for _, b := range m.Backends() {
		info, err := b.Info()
		if err != nil {
			continue
		}
		fmt.Print(FormatInfo(info, m.Policy()))
	}

	if viper.GetBool("metrics") {
		fmt.Println()
		m.Metrics().WritePrometheus(os.Stdout)
	}
	return nil
}

// FormatInfo renders a backend snapshot together with the quota of its origin
func FormatInfo(info backend.Info, policy quota.PolicyStore) string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	quotaString := func(q int64) string {
		if q == quota.Unlimited {
			return "unlimited"
		}
		return fmt.Sprintf("%d bytes", q)
	}

	addSection("Table")
	addField("Identity", info.Identity.String())
	addField("State", info.State.String())
	addField("Path", info.Path)
	addField("Pairs", fmt.Sprintf("%d", info.Count))
	addField("Used", fmt.Sprintf("%d bytes", info.UsedBytes))
	addField("Average Value Size", fmt.Sprintf("%d bytes", info.AvgValueSize))
	addField("Value Size (p95)", fmt.Sprintf("<= %d bytes", info.P95ValueSize))

	addSection("Quota")
	addField("Origin Quota", quotaString(policy.Get(info.Identity.Origin, quota.AttrOriginQuota)))
	addField("Global Quota", quotaString(policy.Get(info.Identity.Origin, quota.AttrGlobalQuota)))
	addField("Handling", quota.Handling(policy.Get(info.Identity.Origin, quota.AttrQuotaHandling)).String())
	addField("Prompt", info.QuotaState.String())

	addSection("Operations")
	addField("Executed", fmt.Sprintf("%d", info.ExecutedOps))
	addField("Pending", fmt.Sprintf("%d", info.Pending))
	addField("Modified", fmt.Sprintf("%t", info.Modified))
	addField("Mean Latency", fmt.Sprintf("%.3f ms", info.LatencyMeanMs))
	if !info.LastOperation.IsZero() {
		addField("Last Operation", info.LastOperation.Format("2006-01-02 15:04:05.000"))
	}

	return sb.String()
}
