package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "dotrelay",
		Short: "Conversational relay between chat platforms and language models",
		Long: strings.TrimSpace(`dotrelay relays chat messages to a language model and sends the replies back.

It long-polls a chat transport (Telegram or Discord), keeps per-conversation
history and an optional reference document, and exposes an HTTP control
surface to start and stop polling.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newOnboardCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.dotrelay config and workspace",
		Long:    "Write a default configuration file and create the workspace directory for a new dotrelay installation.",
		Example: "  dotrelay onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func newGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the transport poller and HTTP control surface",
		Long:    "Start the chat transport, the update poller supervisor, storage maintenance, and the /health, /ready, /poller, /metrics server.",
		Example: "  dotrelay gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gateway(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newChatCommand() *cobra.Command {
	var (
		message      string
		conversation string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the model from the terminal",
		Long:  "Run an interactive console conversation, or send one message, against the same store and model the gateway uses.",
		Example: strings.Join([]string{
			"  dotrelay chat",
			"  dotrelay chat --conversation 12345",
			"  dotrelay chat --message \"what does the uploaded report say about Q3?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(conversation) == "" {
				return fmt.Errorf("--conversation must not be empty")
			}
			return chat(conversation, message, debug)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "console", "Conversation id for history and documents")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, storage, provider, and transport readiness",
		Example: "  dotrelay status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return status(cmd.OutOrStdout())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotrelay version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
