package kv

import (
	"context"
	"github.com/ValentinKolb/wstore/cmd/util"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/ValentinKolb/wstore/lib/storage/backend"
	"github.com/ValentinKolb/wstore/lib/storage/lstore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"time"
)

var (
	manager    *backend.Manager
	localStore storage.IStore

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:               "kv",
		Short:             "Read and modify the table of an origin",
		PersistentPreRunE: setupKVStore,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add the flags selecting the table
	util.SetupIdentityFlags(KeyValueCommands)

	KeyValueCommands.PersistentFlags().Bool("fail-if-quota-error", false, util.WrapString("Fail writes over quota instead of asking (ignores the quota handling)"))
	KeyValueCommands.PersistentFlags().Duration("timeout", 30*time.Second, util.WrapString("How long a single operation may take"))

	// Add subcommands
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(removeCmd)
	KeyValueCommands.AddCommand(clearCmd)
	KeyValueCommands.AddCommand(keyCmd)
	KeyValueCommands.AddCommand(keysCmd)
	KeyValueCommands.AddCommand(lengthCmd)
	KeyValueCommands.AddCommand(flushCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVStore opens the engine and the table selected by the identity flags
func setupKVStore(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	id, err := util.GetIdentity()
	if err != nil {
		return err
	}

	manager, _, err = util.OpenEngine()
	if err != nil {
		return err
	}

	var opts []lstore.Option
	if viper.GetBool("fail-if-quota-error") {
		opts = append(opts, lstore.WithFailIfQuotaError())
	}

	localStore, err = lstore.NewLocalStore(manager, id, opts...)
	if err != nil {
		_ = util.CloseEngine(manager)
		return err
	}
	return nil
}

// withStore runs fn with a timeout and releases the table and the engine
// afterward, so pending modifications are written before the process exits.
func withStore(fn func(ctx context.Context, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
		defer cancel()

		runErr := fn(ctx, cmd, args)

		closeErr := localStore.Close()
		if err := util.CloseEngine(manager); closeErr == nil {
			closeErr = err
		}
		if runErr != nil {
			return runErr
		}
		return closeErr
	}
}
