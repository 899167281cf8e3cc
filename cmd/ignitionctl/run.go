package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ignition/model"
)

var (
	languageFlag string
	argsFlag     string
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a source file (or stdin) and print its output",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var code []byte
		var err error
		if len(args) == 1 {
			code, err = os.ReadFile(args[0])
		} else {
			code, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}

		nc, err := connect()
		if err != nil {
			return err
		}
		defer nc.Close()

		reply, err := submit(nc, model.ProcessRequest{
			Language: languageFlag,
			Code:     string(code),
			Args:     argsFlag,
		})
		if err != nil {
			return err
		}
		printReply(cmd.OutOrStdout(), reply)
		if reply.Status != "success" {
			return fmt.Errorf("execution finished with status %s", reply.Status)
		}
		return nil
	},
}

func printReply(w io.Writer, reply model.ProcessReply) {
	statusColor(reply.Status).Fprintf(w, "%s", reply.Status)
	fmt.Fprintf(w, " (%d)", reply.Code)
	if reply.Response != nil {
		fmt.Fprintf(w, " in %s", time.Duration(reply.Response.Duration))
	}
	fmt.Fprintln(w)
	if reply.Error != "" {
		color.New(color.FgRed).Fprintln(w, reply.Error)
	}
	if reply.Response == nil {
		return
	}
	if reply.Response.Stdout != nil {
		fmt.Fprint(w, *reply.Response.Stdout)
	}
	if reply.Response.Stderr != nil {
		color.New(color.FgRed).Fprint(w, *reply.Response.Stderr)
	}
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "python", "language of the program")
	runCmd.Flags().StringVarP(&argsFlag, "args", "a", "", "arguments passed to the program")
	rootCmd.AddCommand(runCmd)
}

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the languages the service accepts",
	RunE: func(cmd *cobra.Command, args []string) error {
		nc, err := connect()
		if err != nil {
			return err
		}
		defer nc.Close()

		msg, err := nc.Request(languagesSubject, nil, timeoutFlag)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		var reply model.LanguagesReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return fmt.Errorf("undecodable reply: %w", err)
		}
		for _, l := range reply.Languages {
			fmt.Fprintln(cmd.OutOrStdout(), l)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
