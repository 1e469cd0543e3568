package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shashfrankenstien/self-scheduler/internal/app"
	"github.com/shashfrankenstien/self-scheduler/internal/storage"
)

var (
	userCmd       = &cobra.Command{Use: "user", Short: "Manage users"}
	projectCmd    = &cobra.Command{Use: "project", Short: "Manage projects"}
	entryPointCmd = &cobra.Command{Use: "ep", Short: "Manage entry points"}
	scheduleCmd   = &cobra.Command{Use: "schedule", Short: "Manage schedules"}

	epDefault bool
	schedTZ   string
	schedOn   bool
)

func init() {
	userCmd.AddCommand(
		&cobra.Command{Use: "add <email> [name]", Args: cobra.RangeArgs(1, 2), RunE: userAdd},
		&cobra.Command{Use: "ls", Args: cobra.NoArgs, RunE: userList},
		&cobra.Command{Use: "rm <user-id>", Args: cobra.ExactArgs(1), RunE: userRemove},
	)
	projectCmd.AddCommand(
		&cobra.Command{Use: "add <user-id> <name>", Args: cobra.ExactArgs(2), RunE: projectAdd},
		&cobra.Command{Use: "ls <user-id>", Args: cobra.ExactArgs(1), RunE: projectList},
		&cobra.Command{Use: "rm <project-id>", Args: cobra.ExactArgs(1), RunE: projectRemove},
	)

	epAdd := &cobra.Command{Use: "add <project-id> <file> <func>", Args: cobra.ExactArgs(3), RunE: entryPointAdd}
	epAdd.Flags().BoolVar(&epDefault, "default", false, "make it the project's default entry point")
	entryPointCmd.AddCommand(
		epAdd,
		&cobra.Command{Use: "ls <project-id>", Args: cobra.ExactArgs(1), RunE: entryPointList},
		&cobra.Command{Use: "rm <entry-point-id>", Args: cobra.ExactArgs(1), RunE: entryPointRemove},
	)

	schedAdd := &cobra.Command{
		Use:   "add <entry-point-id> <every> [at]",
		Short: "Add a schedule; every is a count or a unit such as day, monday, hour",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  scheduleAdd,
	}
	schedAdd.Flags().StringVar(&schedTZ, "tz", "", "IANA zone for the rule (default: scheduler.timezone)")
	schedAdd.Flags().BoolVar(&schedOn, "enabled", true, "arm the schedule immediately")
	scheduleCmd.AddCommand(
		schedAdd,
		&cobra.Command{Use: "ls", Args: cobra.NoArgs, RunE: scheduleList},
		&cobra.Command{Use: "rm <schedule-id>", Args: cobra.ExactArgs(1), RunE: scheduleRemove},
	)
}

func userAdd(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		u, err := a.Service().CreateUser(ctx, args[0], name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %d %s\n", u.ID, u.Email)
		return nil
	})
}

func userList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		users, err := a.Service().ListUsers(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEMAIL\tNAME")
		for _, u := range users {
			fmt.Fprintf(w, "%d\t%s\t%s\n", u.ID, u.Email, u.Name)
		}
		return w.Flush()
	})
}

func userRemove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		return a.Service().DeleteUser(ctx, id)
	})
}

func projectAdd(cmd *cobra.Command, args []string) error {
	uid, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		p, err := a.Service().CreateProject(ctx, uid, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "project %d %s\n", p.ID, p.Name)
		return nil
	})
}

func projectList(cmd *cobra.Command, args []string) error {
	uid, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		projects, err := a.Service().ListProjects(ctx, uid)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCREATED")
		for _, p := range projects {
			fmt.Fprintf(w, "%d\t%s\t%s\n", p.ID, p.Name, p.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	})
}

func projectRemove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		return a.Service().DeleteProject(ctx, id)
	})
}

func entryPointAdd(cmd *cobra.Command, args []string) error {
	pid, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		ep, err := a.Service().CreateEntryPoint(ctx, pid, args[1], args[2], epDefault)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "entry point %d %s:%s\n", ep.ID, ep.File, ep.Func)
		return nil
	})
}

func entryPointList(cmd *cobra.Command, args []string) error {
	pid, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		eps, err := a.Service().ListEntryPoints(ctx, pid)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILE\tFUNC\tDEFAULT")
		for _, ep := range eps {
			fmt.Fprintf(w, "%d\t%s\t%s\t%t\n", ep.ID, ep.File, ep.Func, ep.IsDefault)
		}
		return w.Flush()
	})
}

func entryPointRemove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		return a.Service().DeleteEntryPoint(ctx, id)
	})
}

func scheduleAdd(cmd *cobra.Command, args []string) error {
	ep, err := parseID(args[0])
	if err != nil {
		return err
	}
	ns := storage.NewSchedule{EntryPointID: ep, Every: args[1], Timezone: schedTZ, Enabled: schedOn}
	if len(args) == 3 {
		ns.At = args[2]
	}
	// a running server picks the row up through the events table
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		rec, err := a.Service().ScheduleCreate(ctx, ns)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schedule %d\n", rec.ID)
		return nil
	})
}

func scheduleList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		recs, err := a.Service().Schedules(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEP\tEVERY\tAT\tTZ\tENABLED\tLAST RUN\tRESULT")
		for _, r := range recs {
			last := "-"
			if !r.LastRunAt.IsZero() {
				last = r.LastRunAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
				r.ID, r.EntryPointID, r.Every, r.At, r.Timezone, r.Enabled, last, r.LastRunResult)
		}
		return w.Flush()
	})
}

func scheduleRemove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		return a.Service().ScheduleDelete(ctx, id)
	})
}
