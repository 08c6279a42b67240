package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/thakkir/internal/matcher"
	"github.com/MrWong99/thakkir/internal/phrase"
	"github.com/MrWong99/thakkir/pkg/store"
)

func detectCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <text...>",
		Short: "Match a transcript against the phrase table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			m := matcher.New(phrase.Default(), matcher.WithPhonetic(cfg.Voice.PhoneticFallback))
			res := m.Detect(strings.Join(args, " "))

			w := cmd.OutOrStdout()
			if !res.Matched() {
				fmt.Fprintln(w, "no match")
				return nil
			}
			fmt.Fprintf(w, "phrase:     %s\nconfidence: %.2f\nmethod:     %s\naccepted:   %t\n",
				res.PhraseID, res.Confidence, res.Method,
				matcher.Accept(res, cfg.Voice.ConfidenceThreshold))
			return nil
		},
	}
}

func integrityCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Report duplicate and orphaned sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), a)

			rep, err := a.RunIntegrityCheck(cmd.Context())
			if err != nil {
				return err
			}
			last := "never"
			if rep.LastCleanup != nil {
				last = rep.LastCleanup.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"sessions:   %d\ntemplates:  %d\nduplicates: %d\norphans:    %d\nlast clean: %s\n",
				rep.TotalSessions, rep.TotalTemplates, rep.DuplicateSessions, rep.OrphanedSessions, last)
			return nil
		},
	}
}

func cleanupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove duplicate and orphaned sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), a)

			res, err := a.PerformCleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "duplicates removed: %d\norphans removed:    %d\nkept:               %d\n",
				res.DuplicatesRemoved, res.OrphansRemoved, res.Kept)
			if len(res.Errors) > 0 {
				return fmt.Errorf("cleanup finished with %d errors: %w", len(res.Errors), errors.Join(res.Errors...))
			}
			return nil
		},
	}
}

func sessionsCmd(g *globals) *cobra.Command {
	var (
		templateID string
		since      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			a, cfg, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), a)

			sessions, err := a.History(cmd.Context(), store.SessionFilter{
				UserID:      cfg.User.ID,
				TemplateID:  templateID,
				StartedFrom: from,
				Limit:       limit,
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTEMPLATE\tCOUNT\tTARGET\tSTARTED\tCOMPLETED")
			for _, s := range sessions {
				completed := "-"
				if s.CompletedAt != nil {
					completed = s.CompletedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					s.ID, s.TemplateID, s.Count, s.TargetCount,
					s.StartedAt.Local().Format(time.DateTime), completed)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "Only sessions for this template")
	cmd.Flags().StringVar(&since, "since", "", "Only sessions started after a duration ago (e.g. 72h) or a date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list (0 for all)")
	return cmd
}

// parseSince accepts a duration back from now or a local calendar date.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since %q must not be negative", v)
		}
		return now.Add(-d), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("--since %q: want a duration or YYYY-MM-DD", v)
	}
	return t, nil
}

func progressCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show today's totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), a)

			d, err := a.Today(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: %d dhikr in %d sessions (%d completed)\n",
				d.Day.Format(time.DateOnly), d.TotalDhikr, d.Sessions, d.Completed)

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, ts := range d.ByTemplate {
				fmt.Fprintf(tw, "  %s\t%d\t%d sessions\n", ts.TemplateID, ts.Total, ts.Sessions)
			}
			return tw.Flush()
		},
	}
}

func templatesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the phrase templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), a)

			ts, err := a.Templates(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tARABIC\tTRANSLITERATION\tTRANSLATION")
			for _, t := range ts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.ArabicText, t.Transliteration, t.Translation)
			}
			return tw.Flush()
		},
	}
}
