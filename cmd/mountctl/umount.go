package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/mountctl/mountctl/libmount"
)

var umountCommand = cli.Command{
	Name:      "umount",
	Usage:     "unmount a filesystem",
	ArgsUsage: `<target|source>`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "lazy, l",
			Usage: "detach now, clean up references later",
		},
		cli.BoolFlag{
			Name:  "force, f",
			Usage: "force unmount (for unreachable NFS servers)",
		},
		cli.BoolFlag{
			Name:  "read-only, r",
			Usage: "remount read-only when unmounting is busy",
		},
		cli.BoolFlag{
			Name:  "fake",
			Usage: "dry-run, skipping the umount syscall",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "say what is being done",
		},
		cli.BoolFlag{
			Name:  "no-helpers, i",
			Usage: "don't call /sbin/umount.<type> helpers",
		},
	},
	Action: umountAction,
}

func umountAction(clictx *cli.Context) error {
	cxt, err := newContext(clictx)
	if err != nil {
		return cli.NewExitError(err.Error(), exitSysError)
	}
	defer cxt.Close()

	for _, fl := range []struct {
		name string
		flag libmount.Flags
	}{
		{"lazy", libmount.FlagLazy},
		{"force", libmount.FlagForce},
		{"read-only", libmount.FlagRdonlyUmount},
		{"fake", libmount.FlagFake},
		{"verbose", libmount.FlagVerbose},
		{"no-helpers", libmount.FlagNoHelpers},
	} {
		if clictx.Bool(fl.name) {
			cxt.SetFlag(fl.flag)
		}
	}

	args := clictx.Args()
	if len(args) != 1 {
		return cli.NewExitError("umount: bad usage: need a target", exitUsage)
	}
	// The fstab/mountinfo lookup accepts either spelling, so pick the
	// field by shape the way umount(8) does.
	if args[0] != "" && args[0][0] == '/' {
		cxt.SetTarget(args[0])
	} else {
		cxt.SetSource(args[0])
	}

	err = cxt.Umount()
	printMessages(cxt)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("umount: %v", err), exitStatus(cxt, err))
	}
	return nil
}
