package diskmodel

import "github.com/nyxgpt/sdmigrate/internal/migerr"

// Validate checks the invariants spec.md §3 lists: no overlaps, and the
// GPT reserve of at least 34 leading and 33 trailing sectors. Alignment is
// checked separately by the planner (scanner-produced layouts may carry
// partitions at their original, pre-alignment clone offsets, per §3's
// invariant note).
func (d DiskLayout) Validate() error {
	for i := 1; i < len(d.Partitions); i++ {
		prev, cur := d.Partitions[i-1], d.Partitions[i]
		if cur.StartSector < prev.StartSector+prev.SizeSectors {
			return &migerr.InvalidOnDisk{Reason: "partitions " + prev.Name + " and " + cur.Name + " overlap"}
		}
	}

	var used uint64
	for _, p := range d.Partitions {
		used += p.SizeSectors
	}
	if d.TotalSectors < used+34+33 {
		return &migerr.InvalidOnDisk{Reason: "total_sectors too small for GPT head/tail reserve"}
	}
	return nil
}
