package pool

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// hashRing is a consistent-hash ring with virtual nodes. Each server owns
// replicas*weight points, placed at xxhash64("<id>#<n>"). A key maps to
// the first point clockwise from xxhash64(key).
type hashRing struct {
	points []uint64
	owners []string
}

// maxRingPoints caps the ring size. Larger rings are scaled down
// proportionally, keeping at least one point per server.
const maxRingPoints = 1 << 20

func newHashRing(cands []candidate, replicas int) *hashRing {
	counts, total := ringPointCounts(cands, replicas)

	type point struct {
		hash  uint64
		owner string
	}
	pts := make([]point, 0, total)
	for i, c := range cands {
		id := c.e.id
		for n := 0; n < counts[i]; n++ {
			pts = append(pts, point{hash: xxhash.Sum64String(id + "#" + strconv.Itoa(n)), owner: id})
		}
	}
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].hash == pts[j].hash {
			return pts[i].owner < pts[j].owner
		}
		return pts[i].hash < pts[j].hash
	})

	r := &hashRing{
		points: make([]uint64, len(pts)),
		owners: make([]string, len(pts)),
	}
	for i, p := range pts {
		r.points[i] = p.hash
		r.owners[i] = p.owner
	}
	return r
}

// ringPointCounts returns the number of points each candidate owns and
// their sum, which never exceeds maxRingPoints plus one per candidate.
func ringPointCounts(cands []candidate, replicas int) ([]int, int) {
	if replicas < 1 {
		replicas = 1
	}
	want := make([]float64, len(cands))
	var sum float64
	for i, c := range cands {
		w := c.weight
		if w < 1 {
			w = 1
		}
		want[i] = float64(replicas) * float64(w)
		sum += want[i]
	}
	scale := 1.0
	if sum > maxRingPoints {
		scale = maxRingPoints / sum
	}

	counts := make([]int, len(cands))
	total := 0
	for i := range cands {
		n := int(want[i] * scale)
		if n < 1 {
			n = 1
		}
		counts[i] = n
		total += n
	}
	return counts, total
}

// lookup returns the id owning key, or "" for an empty ring.
func (r *hashRing) lookup(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.owners[i]
}

// ringSignature identifies an eligible set and replica count. Rings are
// rebuilt only when it changes.
func ringSignature(cands []candidate, replicas int) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.Itoa(replicas))
	for _, c := range cands {
		_, _ = d.WriteString("|" + c.e.id + ":" + strconv.Itoa(c.weight))
	}
	return d.Sum64()
}
