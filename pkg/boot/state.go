package boot

import (
	"fmt"
	"path/filepath"

	"github.com/capsule-os/capsule/pkg/schema"
	"github.com/rs/zerolog"
	"github.com/spectrocloud-labs/herd"
)

// State carries everything the boot pipeline derives while it runs. Steps
// execute in a strict total order (see Register), so later steps can read
// fields populated by earlier ones without coordination.
type State struct {
	Logger  zerolog.Logger
	BootID  string
	ExePath string // on-disk image of the running binary, e.g. /proc/self/exe
	BaseDir string // directory shaded by the scaffold tmpfs

	Shell   string   // binary to exec into once the root switch is done
	Workdir string   // working directory after the root switch
	Args    []string // invocation arguments forwarded to the shell

	ImageOffset uint64 // byte offset of the embedded image inside ExePath
	LoopDevice  string // device path returned by the loop attach

	// Extra best-effort filesystems from the image layout file,
	// fstype:target pairs
	ExtraMounts []string

	fstabs         schema.FsTabs
	overlayMounted bool
	pivoted        bool
}

func (s *State) path(p ...string) string {
	return filepath.Join(append([]string{s.BaseDir}, p...)...)
}

// Merged is the composed overlay view that becomes the new root.
func (s *State) Merged() string {
	return s.path("merged")
}

func (s *State) lower() string {
	return s.path("lower")
}

func (s *State) upper() string {
	return s.path("upper")
}

func (s *State) work() string {
	return s.path("work")
}

func (s *State) rootPath(p ...string) string {
	return filepath.Join(append([]string{s.Merged()}, p...)...)
}

// WriteDAG writes the dag
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t)\n", op.Name, op.Background, op.WeakDeps)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		s.Logger.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		s.Logger.Err(e).Msg(msgContext)
	}
	return e
}
