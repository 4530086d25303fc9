package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"conductor/internal/kernel"
	"conductor/pkg/agent"
	"conductor/pkg/agent/resilience"
	"conductor/pkg/stream"
)

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one request through the configured strategy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// One-shot runs never write to a shared ledger.
			cfg.Ledger.Path = ""

			k, err := kernel.NewKernel(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = k.Stop() }()

			rc := agent.NewContext(strings.Join(args, " "))
			if streamed, _ := cmd.Flags().GetBool("stream"); streamed {
				return askStream(cmd, k, rc)
			}
			return ask(cmd, k, rc)
		},
	}
	cmd.Flags().BoolP("stream", "s", false, "Print output as it is produced")
	return cmd
}

func ask(cmd *cobra.Command, k *kernel.Kernel, rc agent.Context) error {
	res, err := k.Orchestrator.Run(cmd.Context(), rc)
	if err != nil {
		return errors.New(resilience.UserMessage(err))
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Output)
	printSources(out, res.Artifacts)
	return nil
}

func askStream(cmd *cobra.Command, k *kernel.Kernel, rc agent.Context) error {
	out, status := cmd.OutOrStdout(), cmd.ErrOrStderr()
	var failure error
	sink := stream.SinkFunc(func(ev stream.Event) error {
		switch data := ev.Data.(type) {
		case stream.StatusPayload:
			fmt.Fprintf(status, "[%s]\n", data.Message)
		case stream.ChunkPayload:
			fmt.Fprint(out, data.Text)
		case stream.DonePayload:
			fmt.Fprintln(out)
			printSources(out, data.Sources)
		case stream.ErrorPayload:
			failure = fmt.Errorf("%s (%s)", data.Message, data.Kind)
		}
		return nil
	})
	if err := stream.Serve(cmd.Context(), k.Orchestrator, rc, sink); err != nil {
		return err
	}
	return failure
}

func printSources(w io.Writer, sources []agent.Artifact) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(w, "\nSources:")
	for i, s := range sources {
		if s.Title == "" {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, s.URL)
			continue
		}
		fmt.Fprintf(w, "  [%d] %s - %s\n", i+1, s.Title, s.URL)
	}
}
