package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/capsule-os/capsule/internal/constants"
	"github.com/capsule-os/capsule/internal/utils"
	"github.com/capsule-os/capsule/internal/version"
	"github.com/capsule-os/capsule/pkg/boot"
	"github.com/capsule-os/capsule/pkg/selfexe"
	"github.com/gofrs/uuid"
	"github.com/spectrocloud-labs/herd"
	"github.com/urfave/cli/v2"
)

// Boot an interactive shell from the filesystem image embedded in this
// binary, inside a private mount namespace.
func main() {
	app := cli.NewApp()
	app.Name = "capsule"
	app.Usage = "self-contained ephemeral shell environment"
	app.Version = version.GetVersion()
	app.Action = func(c *cli.Context) error {
		utils.SetLogger()

		id, _ := uuid.NewV4()
		utils.Log = utils.Log.With().Str("bootID", id.String()).Logger()

		v := version.Get()
		utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Int("pid", os.Getpid()).Msg("Capsule")

		// Stage one runs on the host: locate the image, then re-exec
		// ourselves into a fresh mount namespace. A missing image aborts
		// here, before any namespace or mount operation.
		if os.Getenv(constants.StageEnv) != constants.StageBoot && !c.Bool("dry-run") {
			return enterBootNamespace()
		}

		s := &boot.State{
			Logger:  utils.Log,
			BootID:  id.String(),
			ExePath: constants.SelfExePath,
			BaseDir: constants.BaseDir,
			Shell:   constants.DefaultShell,
			Workdir: "/",
			Args:    c.Args().Slice(),
		}

		g := herd.DAG()
		if err := s.Register(g); err != nil {
			return err
		}

		utils.Log.Info().Msg(s.WriteDAG(g))
		if c.Bool("dry-run") {
			return nil
		}

		err := g.Run(context.Background())
		// Reached only on abort: success ends in an exec.
		utils.Log.Info().Msg(s.WriteDAG(g))
		return err
	}
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "print the boot plan without touching kernel state",
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:  "version",
			Usage: "version",
			Action: func(c *cli.Context) error {
				v := version.Get()
				fmt.Printf("%s (commit %s, %s)\n", v.Version, v.GitCommit, v.GoVersion)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// enterBootNamespace re-execs this binary inside a new mount namespace.
// unshare(CLONE_NEWNS) is thread-local and the Go scheduler moves goroutines
// between threads, so the namespace is created at fork time instead: every
// thread of the child then lives inside it. The located image offset travels
// along in the environment.
func enterBootNamespace() error {
	offset, err := selfexe.SectionOffset(constants.SelfExePath, constants.SquashSection)
	if err != nil {
		return err
	}
	utils.Log.Info().Uint64("offset", offset).Msg("embedded image located, entering mount namespace")

	cmd := exec.Command(constants.SelfExePath, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", constants.StageEnv, constants.StageBoot),
		fmt.Sprintf("%s=%s", constants.OffsetEnv, strconv.FormatUint(offset, 10)),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Unshareflags: syscall.CLONE_NEWNS,
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The shell's exit code is the user's exit code.
			os.Exit(exitErr.ExitCode())
		}
		return fmt.Errorf("entering mount namespace: %w", err)
	}
	return nil
}
