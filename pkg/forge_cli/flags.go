// pkg/forge_cli/flags.go

package forge_cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AddStringFlag adds a string flag and optionally marks it required.
func AddStringFlag(cmd *cobra.Command, name, shorthand, def, help string, required bool) {
	cmd.Flags().StringP(name, shorthand, def, help)
	if required {
		if err := cmd.MarkFlagRequired(name); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to mark flag %s as required: %v\n", name, err)
		}
	}
}

func AddBoolFlag(cmd *cobra.Command, name, shorthand string, def bool, help string) {
	cmd.Flags().BoolP(name, shorthand, def, help)
}

// BindFlagsToViper binds all flags on a command to a Viper instance.
func BindFlagsToViper(cmd *cobra.Command, v *viper.Viper) error {
	var result error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result
}

// SetViperEnvPrefix lets flags fall back to PREFIX_FLAG_NAME variables.
func SetViperEnvPrefix(v *viper.Viper, prefix string) {
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// FlagViper returns a viper instance holding cmd's flags with env fallback.
func FlagViper(cmd *cobra.Command, prefix string) (*viper.Viper, error) {
	v := viper.New()
	SetViperEnvPrefix(v, prefix)
	if err := BindFlagsToViper(cmd, v); err != nil {
		return nil, err
	}
	return v, nil
}

// GetRequiredString reads key from v and fails when it is empty.
func GetRequiredString(v *viper.Viper, key string) (string, error) {
	val := v.GetString(key)
	if val == "" {
		return "", fmt.Errorf("required flag --%s is empty", key)
	}
	return val, nil
}
