// Package shard derives the 2-hex-character bucket every persisted entity
// and relationship key is partitioned by, so every key space (entities,
// metadata postings, graph adjacency) scans the same way: by shard, then by
// ID within shard.
package shard

import "github.com/cuemby/vgraph/pkg/errs"

// Count is the fixed number of shard buckets: one per distinct 2-hex-char
// prefix.
const Count = 256

// For derives the shard for id: the first two characters of id with hyphens
// stripped and letters lowercased. id must normalize to exactly 32 hex
// characters (a UUID without dashes); anything else is rejected so a
// malformed ID never silently lands in shard "00".
func For(id string) (string, error) {
	normalized, err := normalize(id)
	if err != nil {
		return "", err
	}
	return normalized[:2], nil
}

// normalize strips hyphens and lowercases id, then validates it is exactly
// 32 hex characters.
func normalize(id string) (string, error) {
	if id == "" {
		return "", errs.New(errs.InvalidArgument, "shard.For", "id must not be empty")
	}

	buf := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c == '-' {
			continue
		}
		if c >= 'A' && c <= 'F' {
			c = c - 'A' + 'a'
		}
		buf = append(buf, c)
	}

	if len(buf) != 32 {
		return "", errs.New(errs.InvalidArgument, "shard.For", "id does not normalize to 32 hex characters: "+id)
	}

	for i := 0; i < len(buf); i++ {
		c := buf[i]
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isHex {
			return "", errs.New(errs.InvalidArgument, "shard.For", "id contains non-hex characters: "+id)
		}
	}

	return string(buf), nil
}

// All returns every shard bucket in ascending order, used by rebuild and
// compaction loops that scan shard-by-shard.
func All() []string {
	const hexDigits = "0123456789abcdef"
	shards := make([]string, 0, Count)
	for i := 0; i < 16; i++ {
		for j := 0; j < 16; j++ {
			shards = append(shards, string([]byte{hexDigits[i], hexDigits[j]}))
		}
	}
	return shards
}
