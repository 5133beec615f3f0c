package main

import (
	"flag"
	"reflect"
	"testing"

	"github.com/urfave/cli"

	"github.com/mountctl/mountctl/libmount"
)

func TestForkMountArgs(t *testing.T) {
	app := cli.NewApp()

	global := flag.NewFlagSet("mountctl", flag.ContinueOnError)
	global.Bool("debug", false, "")
	global.Bool("no-mtab", false, "")
	global.Bool("no-canonicalize", false, "")
	global.String("fstab", "", "")
	global.String("namespace", "", "")
	if err := global.Parse([]string{"--no-mtab", "--fstab", "/etc/fstab.d/extra"}); err != nil {
		t.Fatal(err)
	}
	parent := cli.NewContext(app, global, nil)

	local := flag.NewFlagSet("mount", flag.ContinueOnError)
	local.String("types", "", "")
	local.String("options", "", "")
	for _, b := range []string{"fake", "sloppy", "verbose", "no-helpers", "read-only", "rw-only", "fd-based", "all", "fork"} {
		local.Bool(b, false, "")
	}
	if err := local.Parse([]string{"--all", "--fork", "--verbose", "--options", "nodev"}); err != nil {
		t.Fatal(err)
	}
	clictx := cli.NewContext(app, local, parent)

	fs := &libmount.Fs{Source: "/dev/sda1", Target: "/mnt/data"}
	got := forkMountArgs("/usr/bin/mountctl", clictx, fs)
	want := []string{
		"/usr/bin/mountctl", "--no-mtab", "--fstab", "/etc/fstab.d/extra",
		"mount", "--verbose", "-o", "nodev", "/dev/sda1", "/mnt/data",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("forkMountArgs = %v, want %v", got, want)
	}
}
