package quota

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/wstore/cmd/util"
	"github.com/ValentinKolb/wstore/lib/common"
	"github.com/ValentinKolb/wstore/lib/storage/lstore"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// QuotaCommands represents the quota command group
	QuotaCommands = &cobra.Command{
		Use:   "quota",
		Short: "Show and change the quota policy of origins",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.BindCommandFlags(cmd)
		},
	}
	showCmd = &cobra.Command{
		Use:   "show",
		Short: "Shows quota, handling and usage of an origin",
		Args:  cobra.NoArgs,
		RunE:  show,
	}
	setCmd = &cobra.Command{
		Use:   "set",
		Short: "Overrides quota or handling of an origin",
		Args:  cobra.NoArgs,
		RunE:  set,
	}
	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Drops all overrides of an origin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := openPolicy()
			if err != nil {
				return err
			}
			if err := policy.Reset(viper.GetString("origin")); err != nil {
				return err
			}
			fmt.Println("reset successfully")
			return nil
		},
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Lists all overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := openPolicy()
			if err != nil {
				return err
			}
			for _, o := range policy.Overrides() {
				fmt.Printf("%s\t%s\t%s\n", originString(o.Origin), o.Attribute, valueString(o.Attribute, o.Value))
			}
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupIdentityFlags(QuotaCommands)

	setCmd.Flags().Int64("quota", 0, util.WrapString("New quota of the origin in bytes (-1 = unlimited)"))
	setCmd.Flags().String("handling", "", util.WrapString("New quota handling of the origin (ask, allow-always, deny)"))
	setCmd.Flags().Bool("global", false, util.WrapString("Set the quota shared by all origins instead (uses --quota)"))

	QuotaCommands.AddCommand(showCmd)
	QuotaCommands.AddCommand(setCmd)
	QuotaCommands.AddCommand(resetCmd)
	QuotaCommands.AddCommand(listCmd)
}

func openPolicy() (*common.PolicyFile, error) {
	config := util.GetEngineConfig()
	if err := common.InitLoggers(config); err != nil {
		return nil, err
	}
	return config.OpenPolicy()
}

func set(cmd *cobra.Command, _ []string) error {
	policy, err := openPolicy()
	if err != nil {
		return err
	}
	origin := viper.GetString("origin")

	changed := false
	if cmd.Flags().Changed("quota") {
		attr := quota.AttrOriginQuota
		if viper.GetBool("global") {
			attr = quota.AttrGlobalQuota
		}
		q := viper.GetInt64("quota")
		if q < 0 && q != quota.Unlimited {
			return fmt.Errorf("quota must be positive or -1 (unlimited), got %d", q)
		}
		policy.Set(origin, attr, q)
		changed = true
	}
	if cmd.Flags().Changed("handling") {
		h, err := quota.ParseHandling(viper.GetString("handling"))
		if err != nil {
			return err
		}
		policy.Set(origin, quota.AttrQuotaHandling, int64(h))
		changed = true
	}
	if !changed {
		return fmt.Errorf("nothing to set (use --quota or --handling)")
	}
	fmt.Println("set successfully")
	return nil
}

func show(_ *cobra.Command, _ []string) error {
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

	// loading the table makes its size count toward the usage
	if _, err := s.Length(context.Background()); err != nil {
		return err
	}

	used := int64(0)
	for _, b := range m.Backends() {
		if b.Identity() != id {
			continue
		}
		info, err := b.Info()
		if err != nil {
			return err
		}
		used = info.UsedBytes
	}

	policy := m.Policy()
	originQuota := policy.Get(id.Origin, quota.AttrOriginQuota)
	fmt.Printf("origin:        %s\n", id.Origin)
	fmt.Printf("quota:         %s\n", valueString(quota.AttrOriginQuota.String(), originQuota))
	fmt.Printf("global quota:  %s\n", valueString(quota.AttrGlobalQuota.String(), policy.Get(id.Origin, quota.AttrGlobalQuota)))
	fmt.Printf("handling:      %s\n", quota.Handling(policy.Get(id.Origin, quota.AttrQuotaHandling)))
	fmt.Printf("used:          %d bytes\n", used)
	fmt.Printf("class used:    %d bytes\n", m.Used(id.Persistence.Volatile()))
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func originString(origin string) string {
	if origin == "" {
		return "<global>"
	}
	return origin
}

func valueString(attr string, value int64) string {
	if attr == quota.AttrQuotaHandling.String() {
		return quota.Handling(value).String()
	}
	if value == quota.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d bytes", value)
}
