package version

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/urfave/cli/v3"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

// Print returns the version, including the VCS revision when known.
func Print() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return fmt.Sprintf("%s-%s", Version, s.Value[:7])
		}
	}
	return Version
}

func Command() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Shows the runengine version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println(Print())
			return nil
		},
	}
}
