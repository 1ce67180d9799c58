package main

import (
	"github.com/spf13/cobra"

	"github.com/michaelbrown/compilebox/internal/images"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage runtime images",
}

var imagesPullCmd = &cobra.Command{
	Use:   "pull [image]...",
	Short: "Pull runtime images missing from the local daemon",
	Long: `Pull runtime images missing from the local daemon.

With no arguments, every image in sandbox.allowed_images is checked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		refs := args
		if len(refs) == 0 {
			refs = cfg.Sandbox.AllowedImages
		}
		p, err := images.NewPuller(logger)
		if err != nil {
			return err
		}
		return p.EnsureAll(cmd.Context(), refs)
	},
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.AddCommand(imagesPullCmd)
}
