package main

import (
	"context"
	"time"

	"github.com/fatih/color"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ignition/executor"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove worker containers left behind by a crashed scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		logger.SetOutput(cmd.ErrOrStderr())

		cm, err := executor.NewContainerManager(executor.DefaultContainerOptions(), logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		n, err := cm.Sweep(ctx)
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "removed %d worker containers\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
