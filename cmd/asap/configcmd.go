package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ilsys/asap/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective process configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := config.Databases()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(targets))
		for name := range targets {
			names = append(names, name)
		}
		sort.Strings(names)

		// DSNs and credentials are withheld; only the logical names show.
		out := map[string]any{
			"log":              config.Logging(),
			"smtp":             config.Mail(),
			"max-contacts":     config.GetInt("max-contacts"),
			"run-interval":     config.GetDuration("run-interval").String(),
			"carrier-profiles": config.GetString("carrier-profiles"),
			"image-spool":      config.GetString("image-spool"),
			"databases":        names,
		}
		data, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
