package sink

import (
	"fmt"
	"path/filepath"
)

const combineChunk = 500

// CombineResult counts what Combine appended and skipped.
type CombineResult struct {
	Added      map[string]int
	Duplicates int
	Invalid    int
}

// Combine appends to dst every valid record of srcs whose entity and id are
// not yet present in dst or in an earlier source. dst is created with header
// if missing and is never truncated.
func Combine(dst string, header []string, srcs ...string) (CombineResult, error) {
	res := CombineResult{Added: make(map[string]int)}

	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return res, fmt.Errorf("resolve %s: %w", dst, err)
	}
	for _, src := range srcs {
		srcAbs, err := filepath.Abs(src)
		if err != nil {
			return res, fmt.Errorf("resolve %s: %w", src, err)
		}
		if srcAbs == dstAbs {
			return res, fmt.Errorf("source %s is the destination", src)
		}
	}

	out, err := Open(dst, header)
	if err != nil {
		return res, err
	}
	defer out.Close()

	seen := make(map[string]struct{})
	if _, err := Scan(dst, func(l Line) error {
		seen[l.Key()] = struct{}{}
		return nil
	}); err != nil {
		return res, fmt.Errorf("scan destination: %w", err)
	}

	for _, src := range srcs {
		var pending []Line
		flush := func() error {
			if err := out.Append(pending); err != nil {
				return err
			}
			for _, l := range pending {
				res.Added[l.Entity]++
			}
			pending = pending[:0]
			return nil
		}

		stats, err := Scan(src, func(l Line) error {
			if _, dup := seen[l.Key()]; dup {
				res.Duplicates++
				return nil
			}
			seen[l.Key()] = struct{}{}
			pending = append(pending, l)
			if len(pending) >= combineChunk {
				return flush()
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("combine %s: %w", src, err)
		}
		if err := flush(); err != nil {
			return res, fmt.Errorf("combine %s: %w", src, err)
		}
		res.Invalid += stats.Invalid

		out.logger.Info().
			Str("source", src).
			Int("records", stats.Records).
			Int("invalid", stats.Invalid).
			Msg("Combined source")
	}

	return res, nil
}
