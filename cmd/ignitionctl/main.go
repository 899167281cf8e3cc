package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"ignition/config"
	"ignition/model"
)

var (
	natsURLFlag      string
	subjectFlag      string
	languagesSubject string
	timeoutFlag      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "ignitionctl",
	Short: "Operate an ignition deployment",
	Long: `ignitionctl submits programs to a running ignition service over NATS,
runs the per-language smoke programs and cleans up stray worker containers.`,
}

func init() {
	cfg := config.LoadConfig()
	rootCmd.PersistentFlags().StringVar(&natsURLFlag, "nats", cfg.NatsURL, "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&subjectFlag, "subject", cfg.NatsSubject, "process request subject")
	rootCmd.PersistentFlags().StringVar(&languagesSubject, "languages-subject", cfg.NatsLanguagesSubject, "language listing subject")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", time.Minute, "how long to wait for a reply")
}

func connect() (*nats.Conn, error) {
	nc, err := nats.Connect(natsURLFlag, nats.Name("ignitionctl"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURLFlag, err)
	}
	return nc, nil
}

func submit(nc *nats.Conn, req model.ProcessRequest) (model.ProcessReply, error) {
	var reply model.ProcessReply
	data, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}
	msg, err := nc.Request(subjectFlag, data, timeoutFlag)
	if err != nil {
		return reply, fmt.Errorf("request failed: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("undecodable reply: %w", err)
	}
	return reply, nil
}

// statusColor picks the colour a status is printed in.
func statusColor(status string) *color.Color {
	switch status {
	case "success":
		return color.New(color.FgGreen, color.Bold)
	case "timeout", "not_implemented", "bad_request":
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
