package schema

import "github.com/deniswernert/go-fstab"

// Layout is the optional per-image boot configuration, read from
// etc/capsule.env inside the merged root once the overlay is up.
type Layout struct {
	// Shell to exec into, e.g. /bin/zsh
	Shell string
	// Workdir to chdir to after the root switch
	Workdir string
	// ExtraMounts are additional best-effort pseudo filesystems,
	// fstype:target pairs relative to the new root
	ExtraMounts []string
}

type FsTabs []*fstab.Mount
