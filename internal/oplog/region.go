package oplog

import "sort"

// Region is a half-open-in-spirit but inclusive-on-both-ends range of
// oplog indices, [Start, End]. Regions are used to mark stretches that
// an update or manual intervention has erased from the log and that
// replay must jump over transparently.
type Region struct {
	Start Index
	End   Index
}

// Contains reports whether idx falls within the region (inclusive).
func (r Region) Contains(idx Index) bool {
	return idx >= r.Start && idx <= r.End
}

// DeletedRegions is a sorted set of pairwise-disjoint Regions.
type DeletedRegions struct {
	regions []Region
}

// NewDeletedRegions builds a DeletedRegions set from an arbitrary slice
// of regions, sorting them by Start. Callers are responsible for the
// disjointness invariant; overlapping input regions are not merged.
func NewDeletedRegions(regions []Region) DeletedRegions {
	cp := make([]Region, len(regions))
	copy(cp, regions)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Start < cp[j].Start })
	return DeletedRegions{regions: cp}
}

// Add inserts a region, keeping the set sorted by Start.
func (d *DeletedRegions) Add(r Region) {
	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].Start >= r.Start })
	d.regions = append(d.regions, Region{})
	copy(d.regions[i+1:], d.regions[i:])
	d.regions[i] = r
}

// Regions returns a copy of the sorted regions.
func (d DeletedRegions) Regions() []Region {
	cp := make([]Region, len(d.regions))
	copy(cp, d.regions)
	return cp
}

// FindNextDeletedRegion returns the first region whose Start is >= from,
// or false if none exists.
func (d DeletedRegions) FindNextDeletedRegion(from Index) (Region, bool) {
	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].Start >= from })
	if i >= len(d.regions) {
		return Region{}, false
	}
	return d.regions[i], true
}

// IsInDeletedRegion probes whether idx lies inside any region, in
// O(log n).
func (d DeletedRegions) IsInDeletedRegion(idx Index) bool {
	// Last region with Start <= idx.
	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].Start > idx })
	if i == 0 {
		return false
	}
	return d.regions[i-1].Contains(idx)
}
