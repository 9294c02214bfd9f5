package simulate

import (
	"hash/fnv"
	"math/rand/v2"
	"strconv"
)

// RowSource returns the random source for one input row. The stream depends
// only on the run seed and the row id, so draws do not change with worker
// count or scheduling order.
func RowSource(seed uint64, id int64) rand.Source {
	return rand.NewPCG(seed, fnv1a64("row/"+strconv.FormatInt(id, 10)))
}

func fnv1a64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
