package archive

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/entdb/internal/objstore"
)

// SegmentInfo describes one archived segment as parsed from its
// object-storage key, without reading its body (EntDB §4.R
// "list_archive_segments ... enumerates segments by parsing keys;
// file content is not read unless a restore requests it").
type SegmentInfo struct {
	Key         string
	TenantID    string
	Partition   int
	FromOffset  int64
	ToOffset    int64
	Gzip        bool
	SizeBytes   int64
}

// ListSegments enumerates archived segments for tenantID in the
// store's key order: grouped by partition (compared as text), and in
// from_offset order within a partition since offsets are zero-padded.
// It does not sort across partitions.
func ListSegments(ctx context.Context, store objstore.Store, prefix, tenantID string) ([]SegmentInfo, error) {
	objs, err := store.List(ctx, fmt.Sprintf("%s/tenant=%s/", prefix, tenantID))
	if err != nil {
		return nil, err
	}
	out := make([]SegmentInfo, 0, len(objs))
	for _, o := range objs {
		info, ok := parseSegmentKey(o.Key)
		if !ok {
			continue
		}
		info.SizeBytes = o.SizeBytes
		out = append(out, info)
	}
	return out, nil
}

// parseSegmentKey parses "<prefix>/tenant=<id>/partition=<p>/from=<f>_to=<t>.jsonl[.gz]".
func parseSegmentKey(key string) (SegmentInfo, bool) {
	info := SegmentInfo{Key: key}
	parts := strings.Split(key, "/")
	if len(parts) < 3 {
		return info, false
	}
	filename := parts[len(parts)-1]
	partitionPart := parts[len(parts)-2]
	tenantPart := parts[len(parts)-3]

	if tid, ok := strings.CutPrefix(tenantPart, "tenant="); ok {
		info.TenantID = tid
	} else {
		return info, false
	}

	if p, ok := strings.CutPrefix(partitionPart, "partition="); ok {
		v, err := strconv.Atoi(p)
		if err != nil {
			return info, false
		}
		info.Partition = v
	} else {
		return info, false
	}

	if strings.HasSuffix(filename, ".jsonl.gz") {
		info.Gzip = true
		filename = strings.TrimSuffix(filename, ".jsonl.gz")
	} else if strings.HasSuffix(filename, ".jsonl") {
		filename = strings.TrimSuffix(filename, ".jsonl")
	} else {
		return info, false
	}

	fromTo := strings.SplitN(filename, "_to=", 2)
	if len(fromTo) != 2 {
		return info, false
	}
	fromStr, ok := strings.CutPrefix(fromTo[0], "from=")
	if !ok {
		return info, false
	}
	from, err := strconv.ParseInt(fromStr, 10, 64)
	if err != nil {
		return info, false
	}
	to, err := strconv.ParseInt(fromTo[1], 10, 64)
	if err != nil {
		return info, false
	}
	info.FromOffset = from
	info.ToOffset = to
	return info, true
}
