// Package ident defines the identifier types shared across the lab engine
// and the helpers that derive external names from them.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

// WorkspaceID identifies a workspace, the top-level multi-tenant unit.
type WorkspaceID int64

// ContainerID identifies a managed container record.
type ContainerID int64

// TrackID identifies a long-lived research session bound to one container.
type TrackID int64

// CommandID identifies a single console or shell command invocation.
// It is 16 lowercase hexadecimal characters derived from 8 random bytes.
type CommandID string

// EntryID identifies a timeline entry inside a turn.
type EntryID int64

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// NewCommandID returns a fresh random command identifier.
func NewCommandID() CommandID {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// nothing sensible can run in that state.
		panic(fmt.Sprintf("ident: reading random bytes: %v", err))
	}
	return CommandID(hex.EncodeToString(buf[:]))
}

// Validate reports whether the command id has the expected shape.
func (c CommandID) Validate() error {
	if len(c) != 16 {
		return fmt.Errorf("command id must be 16 characters, got %d", len(c))
	}
	if _, err := hex.DecodeString(string(c)); err != nil {
		return fmt.Errorf("command id must be lowercase hex: %w", err)
	}
	for _, r := range c {
		if r >= 'A' && r <= 'F' {
			return fmt.Errorf("command id must be lowercase hex")
		}
	}
	return nil
}

// ValidateSlug checks that a workspace or container slug is usable in
// Docker resource names.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug must not be empty")
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("slug %q must match %s", slug, slugPattern.String())
	}
	return nil
}

// ContainerName derives the externally visible Docker container name.
// The container slug is immutable after creation because it names Docker
// resources.
func ContainerName(prefix, workspaceSlug, containerSlug string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, workspaceSlug, containerSlug)
}
