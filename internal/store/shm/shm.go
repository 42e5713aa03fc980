// Package shm stores the maintenance lock in a System V shared memory
// segment. The lock is host-local: processes on other hosts do not see it.
// The segment carries no expiry, so TTL is not supported.
package shm

import (
	"hash/fnv"

	"github.com/mackeh/sitelock/internal/store"
)

const (
	backend = "shm"

	// DefaultIdentifier seeds the segment key.
	DefaultIdentifier = "sitelock"

	segmentSize = 100
	slotSize    = 16
	lockSlot    = 1
	projectID   = 'm'
)

// Key derives the segment key from identifier, like ftok(3) does from a
// path and project id.
func Key(identifier string) int {
	h := fnv.New32a()
	h.Write([]byte(identifier))
	return int(uint32(projectID)<<24 | h.Sum32()&0x00ffffff)
}

// slot helpers operate on an attached segment.

func slotOffset(slot int) int { return slot * slotSize }

func hasVar(seg []byte, slot int) bool {
	return seg[slotOffset(slot)] == 1
}

func getVar(seg []byte, slot int) string {
	off := slotOffset(slot)
	n := int(seg[off+1])
	if n > slotSize-2 {
		n = slotSize - 2
	}
	return string(seg[off+2 : off+2+n])
}

func putVar(seg []byte, slot int, value string) {
	off := slotOffset(slot)
	n := copy(seg[off+2:off+slotSize], value)
	seg[off+1] = byte(n)
	seg[off] = 1
}

func removeVar(seg []byte, slot int) bool {
	off := slotOffset(slot)
	if seg[off] != 1 {
		return false
	}
	seg[off] = 0
	return true
}

var _ store.Store = (*Store)(nil)
