package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/mountctl/mountctl/libmount"
)

var mountCommand = cli.Command{
	Name:      "mount",
	Usage:     "mount a filesystem",
	ArgsUsage: `[source] [target]`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "types, t",
			Usage: "filesystem `TYPE` or pattern (ext4, nonfs, ...)",
		},
		cli.StringFlag{
			Name:  "options, o",
			Usage: "comma-separated mount `OPTS`",
		},
		cli.BoolFlag{
			Name:  "fake, f",
			Usage: "dry-run, skipping the mount syscall",
		},
		cli.BoolFlag{
			Name:  "sloppy, s",
			Usage: "tolerate unknown options and probe failures",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "say what is being done",
		},
		cli.BoolFlag{
			Name:  "no-helpers, i",
			Usage: "don't call /sbin/mount.<type> helpers",
		},
		cli.BoolFlag{
			Name:  "read-only, r",
			Usage: "mount read-only (same as -o ro)",
		},
		cli.BoolFlag{
			Name:  "rw-only, w",
			Usage: "never silently fall back to a read-only mount",
		},
		cli.BoolFlag{
			Name:  "fd-based",
			Usage: "prefer the fsopen/fsmount kernel API",
		},
		cli.BoolFlag{
			Name:  "all, a",
			Usage: "mount everything in fstab (honors noauto)",
		},
		cli.BoolFlag{
			Name:  "fork, F",
			Usage: "with --all, fork one child per filesystem",
		},
	},
	Action: mountAction,
}

func newContext(clictx *cli.Context) (*libmount.Context, error) {
	cxt := libmount.New()
	if path := clictx.GlobalString("fstab"); path != "" {
		cxt.SetFstabPath(path)
	}
	if clictx.GlobalBool("no-mtab") {
		cxt.SetFlag(libmount.FlagNoMtab)
	}
	if clictx.GlobalBool("no-canonicalize") {
		cxt.SetFlag(libmount.FlagNoCanonicalize)
	}
	if nsPath := clictx.GlobalString("namespace"); nsPath != "" {
		if err := cxt.SetTargetNamespace(nsPath); err != nil {
			return nil, err
		}
	}
	return cxt, nil
}

func configureMount(cxt *libmount.Context, clictx *cli.Context) error {
	for _, fl := range []struct {
		name string
		flag libmount.Flags
	}{
		{"fake", libmount.FlagFake},
		{"sloppy", libmount.FlagSloppy},
		{"verbose", libmount.FlagVerbose},
		{"no-helpers", libmount.FlagNoHelpers},
		{"rw-only", libmount.FlagRwonlyMount},
		{"fd-based", libmount.FlagFdBased},
		{"fork", libmount.FlagFork},
	} {
		if clictx.Bool(fl.name) {
			cxt.SetFlag(fl.flag)
		}
	}
	if t := clictx.String("types"); t != "" {
		cxt.SetFstype(t)
	}
	if o := clictx.String("options"); o != "" {
		if err := cxt.SetOptions(o); err != nil {
			return err
		}
	}
	if clictx.Bool("read-only") {
		if err := cxt.AppendOptions("ro"); err != nil {
			return err
		}
	}
	return nil
}

func mountAction(clictx *cli.Context) error {
	cxt, err := newContext(clictx)
	if err != nil {
		return cli.NewExitError(err.Error(), exitSysError)
	}
	defer cxt.Close()

	if err := configureMount(cxt, clictx); err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}
	if clictx.Bool("all") {
		return mountAll(cxt, clictx)
	}

	args := clictx.Args()
	switch len(args) {
	case 1:
		// Single argument: the fstab lookup decides whether it names a
		// source or a target.
		if args[0] != "" && args[0][0] == '/' {
			cxt.SetTarget(args[0])
		} else {
			cxt.SetSource(args[0])
		}
	case 2:
		cxt.SetSource(args[0])
		cxt.SetTarget(args[1])
	default:
		return cli.NewExitError("mount: bad usage: need [source] target", exitUsage)
	}

	err = cxt.Mount()
	printMessages(cxt)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("mount: %v", err), exitStatus(cxt, err))
	}
	return nil
}

// mountAll iterates every fstab row not marked noauto, resetting the same
// context between rows. With --fork each row runs in a re-exec'd child the
// context reaps at the end.
func mountAll(cxt *libmount.Context, clictx *cli.Context) error {
	tab, err := cxt.Fstab()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("mount: %v", err), exitSysError)
	}

	// Snapshot the caller's -o options so every row starts from them.
	cxt.SetOptsTemplate(cxt.OptList())

	worst := 0
	for _, fs := range tab.Entries() {
		if skipAutoRow(fs) {
			continue
		}
		if cxt.HasFlag(libmount.FlagFork) {
			proc, err := forkMountChild(clictx, fs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "mount: %s: %v\n", fs.Target, err)
				worst = maxInt(worst, exitSysError)
				continue
			}
			cxt.RegisterChild(proc)
			continue
		}
		cxt.Reset()
		cxt.SetSource(fs.Source)
		cxt.SetTarget(fs.Target)
		cxt.SetFstype(fs.Fstype)
		err := cxt.Mount()
		printMessages(cxt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mount: %s: %v\n", fs.Target, err)
			worst = maxInt(worst, exitStatus(cxt, err))
		}
	}
	if cxt.HasFlag(libmount.FlagFork) {
		code, err := cxt.WaitChildren()
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("mount: %v", err), exitSysError)
		}
		worst = maxInt(worst, code)
	}
	if worst != 0 {
		return cli.NewExitError("", worst)
	}
	return nil
}

func skipAutoRow(fs *libmount.Fs) bool {
	l := libmount.NewOptionList()
	if err := l.AppendString(fs.Options, nil); err != nil {
		return false
	}
	return l.GetFlags(libmount.UserspaceMap(), libmount.FilterAll)&libmount.UserOptNoAuto != 0
}

// forkMountArgs rebuilds the command line for one fstab row: the global
// flags, the mount flags minus --all/--fork, then the row itself.
func forkMountArgs(self string, clictx *cli.Context, fs *libmount.Fs) []string {
	args := []string{self}
	for _, g := range []string{"debug", "no-mtab", "no-canonicalize"} {
		if clictx.GlobalBool(g) {
			args = append(args, "--"+g)
		}
	}
	for _, g := range []string{"fstab", "namespace"} {
		if v := clictx.GlobalString(g); v != "" {
			args = append(args, "--"+g, v)
		}
	}
	args = append(args, "mount")
	for _, b := range []string{"fake", "sloppy", "verbose", "no-helpers", "read-only", "rw-only", "fd-based"} {
		if clictx.Bool(b) {
			args = append(args, "--"+b)
		}
	}
	if t := clictx.String("types"); t != "" {
		args = append(args, "-t", t)
	}
	if o := clictx.String("options"); o != "" {
		args = append(args, "-o", o)
	}
	return append(args, fs.Source, fs.Target)
}

// forkMountChild re-executes this binary for one fstab row, giving crude
// bulk-mount parallelism without threading the engine.
func forkMountChild(clictx *cli.Context, fs *libmount.Fs) (*os.Process, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return os.StartProcess(self, forkMountArgs(self, clictx, fs), &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func printMessages(cxt *libmount.Context) {
	for _, msg := range cxt.Messages() {
		fmt.Fprintf(os.Stderr, "mount: %s\n", msg)
	}
}
