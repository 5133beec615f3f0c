package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	version = "0.1.0"
	usage   = `mount orchestration tool

mountctl resolves mount and umount requests against fstab and mountinfo,
merges mount options from every source, and performs the operation via the
mount-family syscalls or the matching /sbin/mount.<type> helper. Userspace
state ends up in utab, like the classic mount(8) tools.`
)

func main() {
	app := cli.NewApp()
	app.Name = "mountctl"
	app.Usage = usage
	app.Version = version
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output for logging",
		},
		cli.StringFlag{
			Name:  "namespace, N",
			Usage: "perform the operation in the mount namespace at `PATH` (/proc/<pid>/ns/mnt)",
		},
		cli.StringFlag{
			Name:  "fstab, T",
			Usage: "use an alternative `FILE` instead of /etc/fstab",
		},
		cli.BoolFlag{
			Name:  "no-mtab, n",
			Usage: "don't write to utab",
		},
		cli.BoolFlag{
			Name:  "no-canonicalize",
			Usage: "don't canonicalize paths",
		},
	}
	app.Commands = []cli.Command{
		mountCommand,
		umountCommand,
	}
	app.Before = func(context *cli.Context) error {
		if context.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
