// Package layout implements the deterministic mapping from (domain, flow
// id) to filesystem paths, spec.md §4, §6: "Path and domain layout. ...
// Each flow lives in its own subdirectory whose name contains the UUID and
// a suffix."
package layout

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

// FlowSuffix is the fixed suffix every flow directory carries after its
// canonical UUID stem, spec.md §6: "<uuid-canonical-form>.mxl-flow/".
const FlowSuffix = ".mxl-flow"

// FlowGlob is the pattern used to recognize flow directories during domain
// enumeration (pkg/manager), spec.md §4.4: "filter by the known suffix".
const FlowGlob = "*" + FlowSuffix

const (
	DescriptorFile = "flow_def.json"
	DataFile       = "data"
	AccessFile     = "access"
	GrainsDir      = "grains"
	ChannelsFile   = "channels"
	DomainOptions  = "options.json"
)

// CanonicalID formats id in the 8-4-4-4-12 lowercase hexadecimal form
// spec.md §6 requires: "no braces, no URN prefix".
func CanonicalID(id uuid.UUID) string {
	return id.String()
}

// ParseID parses the stem of a flow directory name back into a UUID.
// Rejects anything other than the bare canonical form: braces, URN
// prefixes, and Microsoft GUID forms are not accepted even though
// google/uuid's general Parse would accept them, per spec.md §6.
func ParseID(stem string) (uuid.UUID, error) {
	if len(stem) != 36 {
		return uuid.UUID{}, fmt.Errorf("layout: %q is not a canonical UUID", stem)
	}
	id, err := uuid.Parse(stem)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("layout: parse %q: %w", stem, err)
	}
	if id.String() != stem {
		return uuid.UUID{}, fmt.Errorf("layout: %q is not in canonical lowercase form", stem)
	}
	return id, nil
}

// FlowDirName returns the directory name for a flow, e.g.
// "3fa85f64-5717-4562-b3fc-2c963f66afa6.mxl-flow".
func FlowDirName(id uuid.UUID) string {
	return CanonicalID(id) + FlowSuffix
}

// StemFromFlowDirName strips the known suffix from a directory name,
// returning ok=false if the suffix does not match.
func StemFromFlowDirName(name string) (string, bool) {
	if len(name) <= len(FlowSuffix) {
		return "", false
	}
	if name[len(name)-len(FlowSuffix):] != FlowSuffix {
		return "", false
	}
	return name[:len(name)-len(FlowSuffix)], true
}

// Domain is a filesystem path to a domain directory: "contains zero or
// more flow directories and an optional domain-level options file"
// (spec.md §4).
type Domain struct {
	Root string
}

// NewDomain returns a Domain rooted at root. It does not touch the
// filesystem; the directory is created (or verified present) by
// pkg/manager.
func NewDomain(root string) Domain {
	return Domain{Root: root}
}

// OptionsPath returns the path to the domain-level options file, opaque to
// the core (spec.md §6).
func (d Domain) OptionsPath() string {
	return filepath.Join(d.Root, DomainOptions)
}

// FlowPath returns the path to a flow's own directory.
func (d Domain) FlowPath(id uuid.UUID) Flow {
	return Flow{Dir: filepath.Join(d.Root, FlowDirName(id)), ID: id}
}

// Flow is a filesystem path to a single flow's directory plus the parsed
// id it was derived from.
type Flow struct {
	Dir string
	ID  uuid.UUID
}

func (f Flow) DescriptorPath() string { return filepath.Join(f.Dir, DescriptorFile) }
func (f Flow) DataPath() string       { return filepath.Join(f.Dir, DataFile) }
func (f Flow) AccessPath() string     { return filepath.Join(f.Dir, AccessFile) }
func (f Flow) GrainsDirPath() string  { return filepath.Join(f.Dir, GrainsDir) }
func (f Flow) ChannelsPath() string   { return filepath.Join(f.Dir, ChannelsFile) }

// GrainPath returns the path to the Nth grain file, spec.md §6:
// "data.0, data.1, …, data.<N-1>".
func (f Flow) GrainPath(index int) string {
	return filepath.Join(f.GrainsDirPath(), fmt.Sprintf("data.%d", index))
}
