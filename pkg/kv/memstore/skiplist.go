package memstore

import (
	"math/rand/v2"

	"procodus.dev/solarwatch/pkg/kv"
)

const (
	skipListMaxLevel = 32
	skipListP        = 0.25
)

type skipLevel struct {
	forward *skipNode
	span    int
}

type skipNode struct {
	member   string
	score    float64
	backward *skipNode
	level    []skipLevel
}

// skipList keeps members ordered by (score, member). Spans on every level make
// rank lookups O(log n), the backward links make reverse walks O(k).
type skipList struct {
	head   *skipNode
	tail   *skipNode
	length int
	level  int
}

func newSkipList() *skipList {
	return &skipList{
		head:  &skipNode{level: make([]skipLevel, skipListMaxLevel)},
		level: 1,
	}
}

func randomLevel() int {
	lvl := 1
	for lvl < skipListMaxLevel && rand.Float64() < skipListP {
		lvl++
	}
	return lvl
}

// before reports whether n sorts strictly before (score, member).
func before(n *skipNode, score float64, member string) bool {
	return n.score < score || (n.score == score && n.member < member)
}

func (sl *skipList) insert(member string, score float64) {
	var update [skipListMaxLevel]*skipNode
	var rank [skipListMaxLevel]int

	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		if i < sl.level-1 {
			rank[i] = rank[i+1]
		}
		for x.level[i].forward != nil && before(x.level[i].forward, score, member) {
			rank[i] += x.level[i].span
			x = x.level[i].forward
		}
		update[i] = x
	}

	lvl := randomLevel()
	if lvl > sl.level {
		for i := sl.level; i < lvl; i++ {
			rank[i] = 0
			update[i] = sl.head
			update[i].level[i].span = sl.length
		}
		sl.level = lvl
	}

	x = &skipNode{member: member, score: score, level: make([]skipLevel, lvl)}
	for i := 0; i < lvl; i++ {
		x.level[i].forward = update[i].level[i].forward
		update[i].level[i].forward = x
		x.level[i].span = update[i].level[i].span - (rank[0] - rank[i])
		update[i].level[i].span = (rank[0] - rank[i]) + 1
	}
	for i := lvl; i < sl.level; i++ {
		update[i].level[i].span++
	}

	if update[0] != sl.head {
		x.backward = update[0]
	}
	if x.level[0].forward != nil {
		x.level[0].forward.backward = x
	} else {
		sl.tail = x
	}
	sl.length++
}

func (sl *skipList) delete(member string, score float64) bool {
	var update [skipListMaxLevel]*skipNode

	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.level[i].forward != nil && before(x.level[i].forward, score, member) {
			x = x.level[i].forward
		}
		update[i] = x
	}

	x = x.level[0].forward
	if x == nil || x.score != score || x.member != member {
		return false
	}

	for i := 0; i < sl.level; i++ {
		if update[i].level[i].forward == x {
			update[i].level[i].span += x.level[i].span - 1
			update[i].level[i].forward = x.level[i].forward
		} else {
			update[i].level[i].span--
		}
	}
	if x.level[0].forward != nil {
		x.level[0].forward.backward = x.backward
	} else {
		sl.tail = x.backward
	}
	for sl.level > 1 && sl.head.level[sl.level-1].forward == nil {
		sl.level--
	}
	sl.length--
	return true
}

// byRank returns the node at 1-based rank, or nil.
func (sl *skipList) byRank(rank int) *skipNode {
	traversed := 0
	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.level[i].forward != nil && traversed+x.level[i].span <= rank {
			traversed += x.level[i].span
			x = x.level[i].forward
		}
		if traversed == rank {
			return x
		}
	}
	return nil
}

// firstAtLeast returns the first node whose score is >= min.
func (sl *skipList) firstAtLeast(min float64) *skipNode {
	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.level[i].forward != nil && x.level[i].forward.score < min {
			x = x.level[i].forward
		}
	}
	return x.level[0].forward
}

// sortedSet pairs the skip list with a member index for O(1) score lookups.
type sortedSet struct {
	list   *skipList
	scores map[string]float64
}

func newSortedSet() *sortedSet {
	return &sortedSet{list: newSkipList(), scores: make(map[string]float64)}
}

func (z *sortedSet) add(member string, score float64) {
	if old, ok := z.scores[member]; ok {
		if old == score {
			return
		}
		z.list.delete(member, old)
	}
	z.list.insert(member, score)
	z.scores[member] = score
}

func (z *sortedSet) remove(member string) {
	if old, ok := z.scores[member]; ok {
		z.list.delete(member, old)
		delete(z.scores, member)
	}
}

func (z *sortedSet) rangeByRank(start, stop int64, reverse bool) []kv.ScoredMember {
	n := int64(z.list.length)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []kv.ScoredMember{}
	}

	out := make([]kv.ScoredMember, 0, stop-start+1)
	if reverse {
		x := z.list.byRank(int(n - start))
		for i := start; i <= stop && x != nil; i++ {
			out = append(out, kv.ScoredMember{Member: x.member, Score: x.score})
			x = x.backward
		}
		return out
	}

	x := z.list.byRank(int(start + 1))
	for i := start; i <= stop && x != nil; i++ {
		out = append(out, kv.ScoredMember{Member: x.member, Score: x.score})
		x = x.level[0].forward
	}
	return out
}

func (z *sortedSet) rangeByScore(min, max float64, offset, count int64) []kv.ScoredMember {
	out := []kv.ScoredMember{}
	var skipped int64
	for x := z.list.firstAtLeast(min); x != nil && x.score <= max; x = x.level[0].forward {
		if skipped < offset {
			skipped++
			continue
		}
		if count >= 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, kv.ScoredMember{Member: x.member, Score: x.score})
	}
	return out
}
