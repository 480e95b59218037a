// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/app"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/middleware"
)

// withApp opens the configured backends for the duration of fn.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids[i] = id
	}
	return ids, nil
}

func runSubmissionState(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app.App) error {
		sub, err := a.Lifecycle.ChangeSubmissionState(cmd.Context(), ids[0], args[1])
		if err != nil {
			return err
		}
		describeState(cmd.OutOrStdout(), sub)
		return nil
	})
}

func describeState(w io.Writer, sub *datatypes.Submission) {
	fmt.Fprintf(w, "submission %d is now %s", sub.ID, sub.Status)
	if last, ok := sub.LastStatus(); ok {
		fmt.Fprintf(w, " as of %s", last.Date.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	if sub.Status.IsFinal() {
		fmt.Fprintln(w, "no lifecycle transition leaves this status; only another override can")
	}
}

// completeStatus offers status names for the second argument of
// "submission state".
func completeStatus(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 1 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, s := range datatypes.AllStatuses() {
		if strings.HasPrefix(string(s), strings.ToUpper(toComplete)) {
			out = append(out, string(s))
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func runSubmissionDelete(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app.App) error {
		if err := a.Lifecycle.DeleteSubmissions(cmd.Context(), ids); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d submission(s)\n", len(ids))
		return nil
	})
}

func group(cmd *cobra.Command, a *app.App, arg string) (*datatypes.SubmissionGroup, error) {
	ids, err := parseIDs([]string{arg})
	if err != nil {
		return nil, err
	}
	return a.Lifecycle.GetSubmissionGroup(cmd.Context(), ids[0])
}

func runGroupVerify(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		g, err := group(cmd, a, args[0])
		if err != nil {
			return err
		}
		if err := a.Builder.VerifyGroup(cmd.Context(), g); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "group %d checksum %s ok\n", g.ID, g.Checksum)
		return nil
	})
}

func runGroupSplit(cmd *cobra.Command, args []string) error {
	size := chunkSize
	if size <= 0 {
		size = cfg.Submissions.ChunkSize
	}
	return withApp(cmd, func(a *app.App) error {
		g, err := group(cmd, a, args[0])
		if err != nil {
			return err
		}
		names, err := a.Codec.SplitGroupArchive(cmd.Context(), g, size)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	})
}

func runGroupDelete(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app.App) error {
		if err := a.Lifecycle.DeleteSubmissionGroups(cmd.Context(), ids); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d group(s)\n", len(ids))
		return nil
	})
}

func runToken(cmd *cobra.Command, args []string) error {
	provider, err := middleware.NewJWTAuthProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	token, err := provider.IssueToken(datatypes.User{ID: tokenUser, Username: tokenName}, tokenRole, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
