package archive

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/objstore"
)

// ReadEntries downloads and decodes a segment's entries in file
// order, decompressing if info.Gzip. Used by the restore tool, which
// is the only reader that needs segment bodies (EntDB §4.R
// "file content is not read unless a restore requests it").
func ReadEntries(ctx context.Context, store objstore.Store, info SegmentInfo) ([]Entry, error) {
	body, err := store.Get(ctx, info.Key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var r io.Reader = body
	if info.Gzip {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "opening gzip archive segment", err)
		}
		defer gz.Close()
		r = gz
	}

	var out []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "decoding archive entry", err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "reading archive segment body", err)
	}
	return out, nil
}
