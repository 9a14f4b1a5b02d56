package util

import (
	"fmt"
	"github.com/ValentinKolb/wstore/lib/common"
	"github.com/ValentinKolb/wstore/lib/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupEngineFlags adds the storage engine flags to a command
func SetupEngineFlags(cmd *cobra.Command) {
	d := common.DefaultEngineConfig()

	key := "data-dir"
	cmd.PersistentFlags().String(key, d.DataDir, WrapString("Directory the tables of all origins are written to"))

	key = "backend"
	cmd.PersistentFlags().String(key, string(d.Backend), WrapString("Persistence backend (file, bolt). 'file' writes one file per origin, 'bolt' keeps all origins in one database"))

	key = "codec"
	cmd.PersistentFlags().String(key, d.Codec, WrapString("Encoding of the table files (binary, json, gob, cbor). Only used by the file backend"))

	key = "flush-delay"
	cmd.PersistentFlags().Duration(key, d.FlushDelay, WrapString("How long modifications are collected before they are written to disk"))

	key = "load-retries"
	cmd.PersistentFlags().Int(key, d.LoadRetries, WrapString("How often a load that ran out of memory is retried"))

	key = "load-retry-delay"
	cmd.PersistentFlags().Duration(key, d.LoadRetryDelay, WrapString("Base delay between load retries, doubled on every attempt"))

	key = "read-only-pairs"
	cmd.PersistentFlags().Bool(key, d.ReadOnlyPairs, WrapString("Honor the read-only flag of pairs (read-only pairs survive clear and can only be changed with set --read-only)"))

	key = "origin-quota"
	cmd.PersistentFlags().Int64(key, d.OriginQuota, WrapString("Default quota of an origin in bytes (-1 = unlimited)"))

	key = "global-quota"
	cmd.PersistentFlags().Int64(key, d.GlobalQuota, WrapString("Quota shared by all origins of a class in bytes (-1 = unlimited)"))

	key = "quota-handling"
	cmd.PersistentFlags().String(key, d.QuotaHandling, WrapString("What happens when an origin exceeds its quota (ask, allow-always, deny)"))

	key = "yes"
	cmd.PersistentFlags().Bool(key, false, WrapString("Answer every quota prompt with 'allow' instead of asking on the terminal"))

	key = "log-level"
	cmd.PersistentFlags().String(key, d.LogLevel, WrapString("Log level (debug, info, warn, error)"))
}

// SetupIdentityFlags adds the flags selecting the table a command works on
func SetupIdentityFlags(cmd *cobra.Command) {
	key := "origin"
	cmd.PersistentFlags().String(key, "https://localhost", WrapString("Origin whose table is used"))

	key = "type"
	cmd.PersistentFlags().String(key, string(storage.TypeLocal), WrapString("Storage type (local, session). Session tables are never written to disk"))

	key = "context"
	cmd.PersistentFlags().Uint64(key, 0, WrapString("Browsing context (profile) id, separates tables of the same origin"))

	key = "memory"
	cmd.PersistentFlags().Bool(key, false, WrapString("Keep the table in memory only, even for local storage"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("wstore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetEngineConfig reads the engine configuration from viper
func GetEngineConfig() common.EngineConfig {
	return common.EngineConfig{
		DataDir:        viper.GetString("data-dir"),
		Backend:        common.PersistenceBackend(viper.GetString("backend")),
		Codec:          viper.GetString("codec"),
		FlushDelay:     viper.GetDuration("flush-delay"),
		LoadRetries:    viper.GetInt("load-retries"),
		LoadRetryDelay: viper.GetDuration("load-retry-delay"),
		ReadOnlyPairs:  viper.GetBool("read-only-pairs"),
		OriginQuota:    viper.GetInt64("origin-quota"),
		GlobalQuota:    viper.GetInt64("global-quota"),
		QuotaHandling:  viper.GetString("quota-handling"),
		LogLevel:       viper.GetString("log-level"),
	}
}

// GetIdentity reads the table identity from viper
func GetIdentity() (storage.Identity, error) {
	id := storage.Identity{
		Origin:      viper.GetString("origin"),
		Type:        storage.StorageType(viper.GetString("type")),
		Persistence: storage.PersistenceDisk,
		Context:     viper.GetUint64("context"),
	}
	if id.Origin == "" {
		return id, fmt.Errorf("origin must not be empty")
	}
	switch id.Type {
	case storage.TypeLocal:
	case storage.TypeSession:
		id.Persistence = storage.PersistenceSession
	default:
		return id, fmt.Errorf("invalid storage type %q (expected local or session)", id.Type)
	}
	if viper.GetBool("memory") {
		id.Persistence = storage.PersistenceMemory
	}
	return id, nil
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
