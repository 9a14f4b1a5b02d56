package kv

import (
	"context"
	"fmt"
	"github.com/spf13/cobra"
	"strconv"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Gets the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			value, ok, err := localStore.GetItem(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("<not found>")
				return nil
			}
			fmt.Println(value)
			return nil
		}),
	}
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			var (
				mutated bool
				err     error
			)
			if cmd.Flags().Changed("read-only") {
				readOnly, _ := cmd.Flags().GetBool("read-only")
				mutated, err = localStore.SetItemReadOnly(ctx, args[0], args[1], readOnly)
			} else {
				mutated, err = localStore.SetItem(ctx, args[0], args[1])
			}
			if err != nil {
				return err
			}
			if mutated {
				fmt.Println("set successfully")
			} else {
				fmt.Println("value unchanged")
			}
			return nil
		}),
	}
	removeCmd = &cobra.Command{
		Use:   "remove [key]",
		Short: "Removes a key",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			mutated, err := localStore.RemoveItem(ctx, args[0])
			if err != nil {
				return err
			}
			if mutated {
				fmt.Println("removed successfully")
			} else {
				fmt.Println("<not found>")
			}
			return nil
		}),
	}
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Removes all pairs of the origin (read-only pairs are kept)",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			mutated, err := localStore.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("cleared: %t\n", mutated)
			return nil
		}),
	}
	keyCmd = &cobra.Command{
		Use:   "key [index]",
		Short: "Gets the key at an index (insertion order)",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("index must be a number: %w", err)
			}
			key, ok, err := localStore.Key(ctx, index)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("<not found>")
				return nil
			}
			fmt.Println(key)
			return nil
		}),
	}
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Lists all pairs in insertion order",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			withValues, _ := cmd.Flags().GetBool("values")
			return localStore.Keys(ctx, func(index int, key, value string) error {
				if withValues {
					fmt.Printf("%d\t%s\t%s\n", index, key, value)
				} else {
					fmt.Printf("%d\t%s\n", index, key)
				}
				return nil
			})
		}),
	}
	lengthCmd = &cobra.Command{
		Use:   "length",
		Short: "Prints the number of pairs",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			n, err := localStore.Length(ctx)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		}),
	}
	flushCmd = &cobra.Command{
		Use:   "flush",
		Short: "Writes pending modifications to disk",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			if err := localStore.Flush(ctx); err != nil {
				return err
			}
			fmt.Println("flushed successfully")
			return nil
		}),
	}
)

func init() {
	setCmd.Flags().Bool("read-only", false, "Mark the pair as read-only (or writable again with --read-only=false)")
	keysCmd.Flags().Bool("values", false, "Also print the values")
}
