package api

import (
	"errors"
	"fmt"
	"strings"
)

// Layout describes how a snapshot is projected onto the filesystem.
// It is the only user-facing knob on the tree shape.
type Layout struct {
	// Kinds is the allow-list of resource kinds, by plural resource name
	// with an optional API group (e.g. "configmaps", "deployments.apps").
	// Each one becomes a directory under every namespace.
	Kinds []string `json:"kinds" mapstructure:"kinds" validate:"required,min=1,dive,required"`
	// FileSuffix is appended to object names to form file names.
	FileSuffix string `json:"file_suffix" mapstructure:"file_suffix" validate:"required"`
	// ManifestName is the name of the per-namespace aggregate file.
	ManifestName string `json:"manifest_name" mapstructure:"manifest_name" validate:"required"`
}

// DefaultLayout projects configmaps only, as YAML files.
func DefaultLayout() Layout {
	return Layout{
		Kinds:        []string{"configmaps"},
		FileSuffix:   ".yaml",
		ManifestName: "manifest.yaml",
	}
}

// Validate checks that the layout produces unique sibling names.
func (l Layout) Validate() error {
	if len(l.Kinds) == 0 {
		return errors.New("layout: at least one kind is required")
	}
	if l.FileSuffix == "" {
		return errors.New("layout: file suffix is required")
	}
	if err := validName("manifest name", l.ManifestName); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(l.Kinds))
	for _, k := range l.Kinds {
		if err := validName("kind", k); err != nil {
			return err
		}
		if k == l.ManifestName {
			return fmt.Errorf("layout: kind %q collides with manifest name", k)
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("layout: duplicate kind %q", k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// HasKind reports whether kind is allow-listed.
func (l Layout) HasKind(kind string) bool {
	for _, k := range l.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ObjectFileName returns the file name for an object called name.
func (l Layout) ObjectFileName(name string) string {
	return name + l.FileSuffix
}

func validName(what, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("layout: empty %s", what)
	case name == "." || name == "..":
		return fmt.Errorf("layout: %s %q is reserved", what, name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("layout: %s %q contains '/'", what, name)
	}
	return nil
}
