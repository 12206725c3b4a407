package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// <block><W|D><number>, e.g. 55W4.
	machineIDRe = regexp.MustCompile(`^(55|57|59)([WD])([1-9]\d*)$`)
	// Loose form used when scanning chat text: "55w4", "57 D 3".
	mentionRe = regexp.MustCompile(`(?i)\b(55|57|59)\s*([wd])\s*([1-9]\d?)\b`)
)

// ValidBlocks are the hostel blocks that own laundry machines.
var ValidBlocks = []int{55, 57, 59}

// ParsedID holds the parts of a machine id.
type ParsedID struct {
	Block  int
	Letter string // "W" or "D"
	Seq    int
}

// String renders the canonical id.
func (p ParsedID) String() string {
	return fmt.Sprintf("%d%s%d", p.Block, p.Letter, p.Seq)
}

// IsValidBlock reports whether block is one of ValidBlocks.
func IsValidBlock(block int) bool {
	for _, b := range ValidBlocks {
		if b == block {
			return true
		}
	}
	return false
}

// ParseMachineID splits a machine id into block, type letter and sequence number.
// The type letter is accepted in either case and normalised to upper case.
func ParseMachineID(raw string) (ParsedID, error) {
	s := strings.TrimSpace(raw)
	if len(s) > 2 {
		s = s[:2] + strings.ToUpper(s[2:3]) + s[3:]
	}

	m := machineIDRe.FindStringSubmatch(s)
	if m == nil {
		return ParsedID{}, fmt.Errorf("invalid machine id %q: want <55|57|59><W|D><number>", raw)
	}

	block, _ := strconv.Atoi(m[1])
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return ParsedID{}, fmt.Errorf("invalid machine number in %q: %w", raw, err)
	}
	return ParsedID{Block: block, Letter: m[2], Seq: seq}, nil
}

// FindMachineIDs returns the canonical ids of every machine mentioned in
// shorthand form in free text, in order of appearance.
func FindMachineIDs(text string) []string {
	var ids []string
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		ids = append(ids, m[1]+strings.ToUpper(m[2])+m[3])
	}
	return ids
}
