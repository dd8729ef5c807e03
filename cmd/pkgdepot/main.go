// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Command pkgdepot is the CLI front-end over the environment manager.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/cheggaaa/pb"
	"github.com/fatih/color"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/env"
	"github.com/google/pkgdepot/pkg/gc"
	"github.com/google/pkgdepot/pkg/resolver"
	"github.com/spf13/cobra"
)

var (
	flagProject  string
	flagDryRun   bool
	flagPreserve string
)

var rootCmd = &cobra.Command{
	Use:           "pkgdepot [subcommand]",
	Short:         "A content-addressed package manager core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func loadEnv() (*env.Environment, error) {
	cfg, err := depot.FromEnv()
	if err != nil {
		return nil, err
	}
	e, err := env.Load(cfg, flagProject)
	if err != nil {
		return nil, err
	}
	var bar *pb.ProgressBar
	e.OnFetch = func(done, total int, name string) {
		if bar == nil {
			bar = pb.StartNew(total)
		}
		bar.Set(done)
		if done == total {
			bar.Finish()
			bar = nil
		}
	}
	return e, nil
}

func opts() env.Options {
	o := env.Options{DryRun: flagDryRun}
	switch flagPreserve {
	case "all":
		o.Preserve = resolver.PreserveAll
	case "direct":
		o.Preserve = resolver.PreserveDirect
	case "semver":
		o.Preserve = resolver.PreserveSemver
	case "none":
		o.Preserve = resolver.PreserveNone
	default:
		o.Preserve = resolver.PreserveTiered
	}
	return o
}

var (
	addedColor   = color.New(color.FgGreen)
	removedColor = color.New(color.FgRed)
	changedColor = color.New(color.FgYellow)
)

func renderDiff(d *env.Diff) {
	if d == nil {
		return
	}
	if d.Empty() {
		fmt.Println("No changes")
		return
	}
	for _, c := range d.Changes {
		line := fmt.Sprintf("%s %s [%s]", c.Op, c.Name, shortID(c.UUID.String()))
		switch {
		case c.Old != nil && c.New != nil:
			line += fmt.Sprintf(" %s => %s", c.Old, c.New)
		case c.New != nil:
			line += " " + c.New.String()
		case c.Old != nil:
			line += " " + c.Old.String()
		}
		if c.NewKind != "" && c.NewKind != "registry" {
			line += " (" + c.NewKind + ")"
		}
		if c.Pinned {
			line += " ⚲"
		}
		switch c.Op {
		case env.OpAdd:
			addedColor.Println(line)
		case env.OpRemove:
			removedColor.Println(line)
		default:
			changedColor.Println(line)
		}
	}
	if !d.Applied {
		fmt.Println("(dry run: no changes written)")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runOp(fn func(context.Context, *env.Environment) (*env.Diff, error)) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	diff, err := fn(context.Background(), e)
	if err != nil {
		return err
	}
	renderDiff(diff)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "", "path to the project file or directory")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "compute and print changes without applying them")
	rootCmd.PersistentFlags().StringVar(&flagPreserve, "preserve", "tiered", "preservation tier: all, direct, semver, none, tiered")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "add <pkg>[@version] ...",
		Short: "Add packages as direct dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := env.ParseSpecs(args)
			if err != nil {
				return err
			}
			return runOp(func(ctx context.Context, e *env.Environment) (*env.Diff, error) {
				return e.Add(ctx, specs, opts())
			})
		},
	})

	devCmd := &cobra.Command{
		Use:     "develop <pkg|path> ...",
		Aliases: []string{"dev"},
		Short:   "Track packages by an editable local path",
		Args:    cobra.MinimumNArgs(1),
	}
	devShared := devCmd.Flags().Bool("shared", true, "place checkouts in the shared develop directory")
	devCmd.RunE = func(cmd *cobra.Command, args []string) error {
		specs, err := env.ParseSpecs(args)
		if err != nil {
			return err
		}
		return runOp(func(ctx context.Context, e *env.Environment) (*env.Diff, error) {
			return e.Develop(ctx, specs, *devShared, opts())
		})
	}
	rootCmd.AddCommand(devCmd)

	rmCmd := &cobra.Command{
		Use:     "rm <pkg> ...",
		Aliases: []string{"remove"},
		Short:   "Remove packages",
		Args:    cobra.MinimumNArgs(1),
	}
	rmManifest := rmCmd.Flags().Bool("manifest", false, "remove from the manifest instead of the project")
	rmCmd.RunE = func(cmd *cobra.Command, args []string) error {
		specs, err := env.ParseSpecs(args)
		if err != nil {
			return err
		}
		mode := env.RemoveProject
		if *rmManifest {
			mode = env.RemoveManifest
		}
		return runOp(func(ctx context.Context, e *env.Environment) (*env.Diff, error) {
			return e.Remove(ctx, specs, mode, opts())
		})
	}
	rootCmd.AddCommand(rmCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "pin <pkg>[@version] ...",
		Short: "Forbid version changes on packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := env.ParseSpecs(args)
			if err != nil {
				return err
			}
			return runOp(func(ctx context.Context, e *env.Environment) (*env.Diff, error) {
				return e.Pin(ctx, specs, opts())
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "free <pkg> ...",
		Short: "Clear pins and repo/path tracking",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := env.ParseSpecs(args)
			if err != nil {
				return err
			}
			return runOp(func(ctx context.Context, e *env.Environment) (*env.Diff, error) {
				return e.Free(ctx, specs, opts())
			})
		},
	})

	upCmd := &cobra.Command{
		Use:     "update [pkg ...]",
		Aliases: []string{"up"},
		Short:   "Move packages to newer versions",
	}
	upLevel := upCmd.Flags().String("level", "major", "bump bound: fixed, patch, minor, major")
	upCmd.RunE = func(cmd *cobra.Command, args []string) error {
		specs, err := env.ParseSpecs(args)
		if err != nil {
			return err
		}
		var level env.UpdateLevel
		switch *upLevel {
		case "fixed":
			level = env.UpdateFixed
		case "patch":
			level = env.UpdatePatch
		case "minor":
			level = env.UpdateMinor
		case "major":
			level = env.UpdateMajor
		default:
			return &depot.ValidationError{Reason: "unknown update level " + *upLevel}
		}
		return runOp(func(ctx context.Context, e *env.Environment) (*env.Diff, error) {
			return e.Update(ctx, specs, level, opts())
		})
	}
	rootCmd.AddCommand(upCmd)

	instCmd := &cobra.Command{
		Use:   "instantiate",
		Short: "Materialize every manifest entry and its eager artifacts",
	}
	instManifest := instCmd.Flags().Bool("manifest-only", false, "trust the manifest without checking the project")
	instCmd.RunE = func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		return e.Instantiate(context.Background(), *instManifest, opts())
	}
	rootCmd.AddCommand(instCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "resolve",
		Short: "Reconcile the manifest with the project without installing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(func(ctx context.Context, e *env.Environment) (*env.Diff, error) {
				return e.Resolve(ctx, opts())
			})
		},
	})

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune unreferenced store objects",
	}
	gcAll := gcCmd.Flags().Bool("all", false, "collect immediately, ignoring the aging delay")
	gcDelay := gcCmd.Flags().Duration("collect-delay", gc.DefaultDelay, "orphan age required before deletion")
	gcCmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := depot.FromEnv()
		if err != nil {
			return err
		}
		delay := *gcDelay
		if *gcAll {
			delay = 0
		}
		report, err := gc.Collect(context.Background(), cfg, gc.Options{Delay: delay})
		if err != nil {
			return err
		}
		fmt.Printf("%d live references, %d newly orphaned, %d deleted\n",
			report.Referenced, len(report.Orphaned), len(report.Deleted))
		return nil
	}
	rootCmd.AddCommand(gcCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show the project's resolved packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			for _, ent := range e.Manifest.SortedEntries() {
				line := fmt.Sprintf("  %s [%s]", ent.Name, shortID(ent.UUID.String()))
				if ent.Version != nil {
					line += " v" + ent.Version.String()
				}
				if kind := ent.Kind().String(); kind != "registry" {
					line += " (" + kind + ")"
				}
				if ent.Pinned {
					line += " ⚲"
				}
				fmt.Println(line)
			}
			return nil
		},
	})
}

func main() {
	log.SetFlags(0)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(depot.ExitCode(err))
	}
}
