package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alanbriolat/media-fetch/async"
	"github.com/alanbriolat/media-fetch/internal/model"
	"github.com/alanbriolat/media-fetch/internal/session"
)

func main() {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &cli.App{
		Name:  "media-fetch",
		Usage: "download media files and segmented streams",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{"MEDIA_FETCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "keep the task database and work files in `DIR`",
			},
			&cli.StringFlag{
				Name:  "download-dir",
				Usage: "save finished downloads to `DIR`",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				zapConfig.Level.SetLevel(zap.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "download from a URL, or from a URL found in shared text",
				ArgsUsage: "TEXT...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "name",
						Usage: "save as `NAME` instead of a name derived from the URL",
					},
				},
				Action: func(c *cli.Context) error {
					return withEnvironment(ctx, c, func(env *environment) error {
						return get(ctx, env, strings.Join(c.Args().Slice(), " "), c.String("name"))
					})
				},
			},
			{
				Name:      "resume",
				Usage:     "resume paused or failed tasks (all of them if no IDs are given)",
				ArgsUsage: "[ID...]",
				Action: func(c *cli.Context) error {
					return withEnvironment(ctx, c, func(env *environment) error {
						return resume(ctx, env, c.Args().Slice())
					})
				},
			},
			{
				Name:  "list",
				Usage: "list tasks",
				Action: func(c *cli.Context) error {
					return withEnvironment(ctx, c, func(env *environment) error {
						return list(env)
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "remove a task, cancelling it if it is still active",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "delete-file",
						Usage: "also delete the downloaded file of a completed task",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("remove needs exactly one task ID", 2)
					}
					return withEnvironment(ctx, c, func(env *environment) error {
						return remove(env, model.TaskID(c.Args().First()), c.Bool("delete-file"))
					})
				},
			},
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return app.Run(os.Args) })

	select {
	case err = <-result:
	case <-ctx.Done():
		// The session pauses its tasks on the cancelled context, keeping resumption tokens, and the command returns
		stop()
		err = <-result
	}
	if err != nil {
		logger.Fatal(err.Error())
	}
}

func withEnvironment(ctx context.Context, c *cli.Context, f func(env *environment) error) (err error) {
	env, err := newEnvironment(ctx, c)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := env.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return f(env)
}

func get(ctx context.Context, env *environment, text string, name string) error {
	if strings.TrimSpace(text) == "" {
		return cli.Exit("nothing to download", 2)
	}
	events, err := env.session.Subscribe()
	if err != nil {
		return err
	}
	defer events.Close()
	task, err := env.session.Submit(ctx, text, name)
	if err != nil {
		return err
	}
	zap.S().Infow("task added", "task_id", task.TaskID(), "kind", task.TaskKind())
	return track(ctx, env.session, events, []model.TaskID{task.TaskID()})
}

func resume(ctx context.Context, env *environment, args []string) error {
	var ids []model.TaskID
	if len(args) == 0 {
		tasks, err := env.session.Tasks()
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.TaskStatus() == string(model.FilePaused) || t.TaskStatus() == string(model.FileFailed) {
				ids = append(ids, t.TaskID())
			}
		}
		if len(ids) == 0 {
			zap.S().Info("nothing to resume")
			return nil
		}
	} else {
		for _, arg := range args {
			ids = append(ids, model.TaskID(arg))
		}
	}
	events, err := env.session.Subscribe()
	if err != nil {
		return err
	}
	defer events.Close()
	for _, id := range ids {
		if err := env.session.Resume(id); err != nil {
			return fmt.Errorf("resume %s: %w", id, err)
		}
	}
	return track(ctx, env.session, events, ids)
}

func list(env *environment) error {
	tasks, err := env.session.Tasks()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tADDED\tNAME")
	for _, t := range tasks {
		var name, added, progress string
		switch t := t.(type) {
		case *model.FileTask:
			name = t.FileName
			added = humanize.Time(t.CreatedAt)
			progress = humanize.Bytes(uint64(t.BytesWritten))
			if t.BytesTotal >= 0 {
				progress += " / " + humanize.Bytes(uint64(t.BytesTotal))
			}
		case *model.SegmentedTask:
			name = t.FileName
			added = humanize.Time(t.CreatedAt)
			progress = fmt.Sprintf("%d / %d segments", t.Count(model.SegmentCompleted), len(t.Segments))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.TaskID(), t.TaskKind(), t.TaskStatus(), progress, added, name)
		if failure := t.Failure(); failure != "" && t.TaskStatus() == string(model.FileFailed) {
			fmt.Fprintf(w, "\t\t\terror: %s\t\t\n", failure)
		}
	}
	return w.Flush()
}

func remove(env *environment, id model.TaskID, deleteFile bool) error {
	task, err := env.session.Task(id)
	if errors.Is(err, session.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("no task %s", id), 1)
	} else if err != nil {
		return err
	}
	switch task.TaskStatus() {
	case string(model.FileCompleted):
		err = env.session.DeleteCompleted(id, deleteFile)
	case string(model.FileFailed):
		err = env.session.Remove(id)
	default:
		err = env.session.Cancel(id)
	}
	if err == nil {
		zap.S().Infow("task removed", "task_id", id)
	}
	return err
}
