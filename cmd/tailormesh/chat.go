package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/tailormesh"
	"github.com/hupe1980/tailormesh/agent"
	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/internal/util"
	"github.com/hupe1980/tailormesh/usage"
)

func chatCmd(configPath *string) *cobra.Command {
	var (
		sessionFlag      string
		modelFlag        string
		practitionerFlag bool
	)

	cmd := &cobra.Command{
		Use:   "chat MESSAGE",
		Short: "Send one message and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if sessionFlag == "" {
				sessionFlag = util.NewID()
			}
			events, err := a.mesh.Chat(ctx, tailormesh.ChatRequest{
				SessionID:    sessionFlag,
				Message:      strings.Join(args, " "),
				Model:        modelFlag,
				Practitioner: practitionerFlag,
			})
			if err != nil {
				return err
			}
			if err := printEvents(ctx, cmd.OutOrStdout(), events); err != nil {
				return err
			}

			st := a.mesh.Stats(sessionFlag)
			fmt.Fprintf(cmd.ErrOrStderr(), "\nsession %s: %d tokens, %s\n", sessionFlag, st.Usage.TotalTokens(), usage.FormatZAR(st.Usage.Cost))
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionFlag, "session", "", "Session id (random when empty)")
	cmd.Flags().StringVar(&modelFlag, "model", "", "Model override")
	cmd.Flags().BoolVar(&practitionerFlag, "practitioner", false, "Use the practitioner instructions")
	return cmd
}

func formulateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formulate PROFILE.yaml",
		Short: "Run the formulation pipeline for a patient profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			profile, err := readProfile(args[0])
			if err != nil {
				return err
			}

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.mesh.RunPipeline(ctx, profile)
			if err != nil {
				return err
			}
			return printEvents(ctx, cmd.OutOrStdout(), events)
		},
	}
	return cmd
}

// readProfile loads a PatientProfile from YAML. A missing session id gets a
// random one.
func readProfile(path string) (agent.PatientProfile, error) {
	var p agent.PatientProfile
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse profile: %w", err)
	}
	if p.SessionID == "" {
		p.SessionID = util.NewID()
	}
	return p, nil
}

// printEvents writes tokens as they arrive and stage markers on their own
// lines. A terminal error event is returned as an error.
func printEvents(ctx context.Context, w io.Writer, events <-chan core.StreamEvent) error {
	for ev := range events {
		switch e := ev.(type) {
		case core.TokenEvent:
			fmt.Fprint(w, e.Text)
		case core.StageStartedEvent:
			fmt.Fprintf(w, "\n== %s ==\n", e.Stage)
		case core.StageCompletedEvent:
			fmt.Fprintf(w, "\n-- %s\n", e.Summary)
		case core.ErrorEvent:
			fmt.Fprintln(w)
			if e.Err != nil {
				return e.Err
			}
			return errors.New(e.Message)
		case core.DoneEvent:
			fmt.Fprintln(w)
		}
	}
	return ctx.Err()
}
