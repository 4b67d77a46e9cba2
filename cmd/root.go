package cmd

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "az-gateway",
	Short: "Multi-channel conversational AI gateway",
	Long: `az-gateway processes inbound WhatsApp, Instagram and webchat messages
through an LLM pipeline and replies on the originating channel.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatalln(err)
	}
}

func init() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("port", "", "HTTP port for the ops surface (overrides APP_PORT)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging (overrides APP_DEBUG)")
	_ = viper.BindPFlag("app_port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("app_debug", rootCmd.PersistentFlags().Lookup("debug"))

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if viper.GetBool("app_debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}
}
