package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	serverKey    = "server"
	tokenKey     = "token"
	jwtSecretKey = "jwt_secret"
	jwtIssuerKey = "jwt_issuer"
)

// newRootCmd builds the command tree around its own viper instance so tests
// can run commands side by side.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "brokerctl",
		Short:         "Operate a signpulse broker",
		Long:          "brokerctl mints development tokens and reads session, channel and device state from a running broker.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd, v, cfgFile)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.brokerctl.yaml)")
	root.PersistentFlags().String("server", "http://localhost:8080", "broker base URL")
	root.PersistentFlags().String("token", "", "bearer token for API calls")
	_ = v.BindPFlag(serverKey, root.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag(tokenKey, root.PersistentFlags().Lookup("token"))

	root.AddCommand(
		newTokenCmd(v),
		newStatusCmd(v),
		newDevicesCmd(v),
		newPublishCmd(v),
	)
	return root
}

// initConfig layers flags over BROKERCTL_* environment variables over the
// config file. JWT_SECRET and JWT_ISSUER are shared with the server.
func initConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("brokerctl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(jwtSecretKey, "BROKERCTL_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv(jwtIssuerKey, "BROKERCTL_JWT_ISSUER", "JWT_ISSUER")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".brokerctl")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", v.ConfigFileUsed())
	return nil
}

func newClientFrom(v *viper.Viper) (*client, error) {
	token := v.GetString(tokenKey)
	if token == "" {
		return nil, errors.New("no token: pass --token or set BROKERCTL_TOKEN")
	}
	return newClient(v.GetString(serverKey), token), nil
}
