package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/compilebox/internal/languages"
)

var languagesCmd = &cobra.Command{
	Use:     "languages",
	Aliases: []string{"langs"},
	Short:   "List supported languages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		catalog := languages.Defaults()
		if cfg.Languages.File != "" {
			if catalog, err = languages.LoadFile(cfg.Languages.File); err != nil {
				return err
			}
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tNAME\tCOMPILER\tTARGET")
		for _, key := range catalog.Keys() {
			d := catalog[key]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Key, d.Name, d.Compiler, d.CompileTarget)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
