package memstore_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/solarwatch/pkg/kv"
	"procodus.dev/solarwatch/pkg/kv/memstore"
)

func members(in []kv.ScoredMember) []string {
	out := make([]string, len(in))
	for i, m := range in {
		out[i] = m.Member
	}
	return out
}

var _ = Describe("Store", func() {
	var (
		ctx   context.Context
		store *memstore.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = memstore.New()
	})

	Describe("sorted sets", func() {
		BeforeEach(func() {
			Expect(store.Pipelined(ctx, func(p kv.Pipe) {
				p.ZAdd("z",
					kv.ScoredMember{Member: "c", Score: 3},
					kv.ScoredMember{Member: "a", Score: 1},
					kv.ScoredMember{Member: "b", Score: 2},
					kv.ScoredMember{Member: "b2", Score: 2},
					kv.ScoredMember{Member: "d", Score: -1},
				)
			})).To(Succeed())
		})

		It("should order by score then member", func() {
			got, err := store.ZRangeByRank(ctx, "z", 0, -1, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(members(got)).To(Equal([]string{"d", "a", "b", "b2", "c"}))
		})

		It("should walk backwards for reverse ranges", func() {
			got, err := store.ZRangeByRank(ctx, "z", 0, 1, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(members(got)).To(Equal([]string{"c", "b2"}))
		})

		It("should clamp out of range ranks", func() {
			got, err := store.ZRangeByRank(ctx, "z", 3, 100, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(members(got)).To(Equal([]string{"b2", "c"}))

			got, err = store.ZRangeByRank(ctx, "z", 10, 20, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty())
		})

		It("should update the score of an existing member", func() {
			Expect(store.Pipelined(ctx, func(p kv.Pipe) {
				p.ZAdd("z", kv.ScoredMember{Member: "d", Score: 10})
			})).To(Succeed())

			got, err := store.ZRangeByRank(ctx, "z", 0, 0, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]kv.ScoredMember{{Member: "d", Score: 10}}))

			n, err := store.ZCard(ctx, "z")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(5)))
		})

		It("should select by inclusive score range with offset and count", func() {
			got, err := store.ZRangeByScore(ctx, "z", 1, 2, 0, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(members(got)).To(Equal([]string{"a", "b", "b2"}))

			got, err = store.ZRangeByScore(ctx, "z", 1, 3, 1, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(members(got)).To(Equal([]string{"b", "b2"}))
		})

		It("should remove members", func() {
			Expect(store.Pipelined(ctx, func(p kv.Pipe) {
				p.ZRem("z", "a", "c", "missing")
			})).To(Succeed())

			_, ok, err := store.ZScore(ctx, "z", "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			got, err := store.ZRangeByRank(ctx, "z", 0, -1, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(members(got)).To(Equal([]string{"d", "b", "b2"}))
		})

		It("should keep rank order across many random inserts and deletes", func() {
			want := map[string]float64{}
			Expect(store.Pipelined(ctx, func(p kv.Pipe) {
				for i := 0; i < 500; i++ {
					m := strconv.Itoa(i)
					score := float64((i * 7919) % 101)
					p.ZAdd("big", kv.ScoredMember{Member: m, Score: score})
					want[m] = score
				}
				for i := 0; i < 500; i += 3 {
					p.ZRem("big", strconv.Itoa(i))
					delete(want, strconv.Itoa(i))
				}
			})).To(Succeed())

			expected := make([]kv.ScoredMember, 0, len(want))
			for m, s := range want {
				expected = append(expected, kv.ScoredMember{Member: m, Score: s})
			}
			sort.Slice(expected, func(i, j int) bool {
				if expected[i].Score != expected[j].Score {
					return expected[i].Score < expected[j].Score
				}
				return expected[i].Member < expected[j].Member
			})

			got, err := store.ZRangeByRank(ctx, "big", 0, -1, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(expected))

			mid, err := store.ZRangeByRank(ctx, "big", 100, 109, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(mid).To(Equal(expected[100:110]))
		})
	})

	Describe("hashes and sets", func() {
		It("should merge hash fields and delete keys", func() {
			Expect(store.Pipelined(ctx, func(p kv.Pipe) {
				p.HSet("h", map[string]string{"a": "1", "b": "2"})
				p.HSet("h", map[string]string{"b": "3"})
				p.SAdd("s", "x", "y")
			})).To(Succeed())

			h, err := store.HGetAll(ctx, "h")
			Expect(err).NotTo(HaveOccurred())
			Expect(h).To(Equal(map[string]string{"a": "1", "b": "3"}))

			Expect(store.Pipelined(ctx, func(p kv.Pipe) {
				p.Del("h")
				p.SRem("s", "x")
			})).To(Succeed())

			h, err = store.HGetAll(ctx, "h")
			Expect(err).NotTo(HaveOccurred())
			Expect(h).To(BeEmpty())

			s, err := store.SMembers(ctx, "s")
			Expect(err).NotTo(HaveOccurred())
			Expect(s).To(ConsistOf("y"))
		})

		It("should expire keys after their ttl", func() {
			now := time.Unix(1_700_000_000, 0)
			clocked := memstore.New(memstore.WithClock(func() time.Time { return now }))

			Expect(clocked.Pipelined(ctx, func(p kv.Pipe) {
				p.HSet("h", map[string]string{"a": "1"})
				p.Expire("h", time.Minute)
			})).To(Succeed())

			h, err := clocked.HGetAll(ctx, "h")
			Expect(err).NotTo(HaveOccurred())
			Expect(h).To(HaveKey("a"))

			now = now.Add(2 * time.Minute)
			h, err = clocked.HGetAll(ctx, "h")
			Expect(err).NotTo(HaveOccurred())
			Expect(h).To(BeEmpty())
		})
	})

	Describe("Watch", func() {
		It("should apply writes when watched keys are unchanged", func() {
			err := store.Watch(ctx, func(tx kv.Tx) error {
				h, err := tx.HGetAll(ctx, "counter")
				Expect(err).NotTo(HaveOccurred())
				Expect(h).To(BeEmpty())
				return tx.Exec(ctx, func(p kv.Pipe) {
					p.HSet("counter", map[string]string{"n": "1"})
				})
			}, "counter")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should report a conflict when a watched key changes", func() {
			err := store.Watch(ctx, func(tx kv.Tx) error {
				Expect(store.Pipelined(ctx, func(p kv.Pipe) {
					p.HSet("counter", map[string]string{"n": "5"})
				})).To(Succeed())
				return tx.Exec(ctx, func(p kv.Pipe) {
					p.HSet("counter", map[string]string{"n": "1"})
				})
			}, "counter")
			Expect(errors.Is(err, kv.ErrTxConflict)).To(BeTrue())

			h, err := store.HGetAll(ctx, "counter")
			Expect(err).NotTo(HaveOccurred())
			Expect(h["n"]).To(Equal("5"))
		})

		It("should never lose increments under optimistic retries", func() {
			const workers = 16
			const perWorker = 25

			incr := func() error {
				for {
					err := store.Watch(ctx, func(tx kv.Tx) error {
						h, err := tx.HGetAll(ctx, "counter")
						if err != nil {
							return err
						}
						n, _ := strconv.Atoi(h["n"])
						return tx.Exec(ctx, func(p kv.Pipe) {
							p.HSet("counter", map[string]string{"n": strconv.Itoa(n + 1)})
						})
					}, "counter")
					if !errors.Is(err, kv.ErrTxConflict) {
						return err
					}
				}
			}

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for j := 0; j < perWorker; j++ {
						Expect(incr()).To(Succeed())
					}
				}()
			}
			wg.Wait()

			h, err := store.HGetAll(ctx, "counter")
			Expect(err).NotTo(HaveOccurred())
			Expect(h["n"]).To(Equal(strconv.Itoa(workers * perWorker)))
		})
	})

	Describe("geo sets", func() {
		BeforeEach(func() {
			Expect(store.Pipelined(ctx, func(p kv.Pipe) {
				p.GeoAdd("g", "origin", 0, 0)
				p.GeoAdd("g", "north", 0, 0.1)
				p.GeoAdd("g", "far", 10, 10)
			})).To(Succeed())
		})

		It("should return members within the radius nearest first", func() {
			got, err := store.GeoRadius(ctx, "g", 0, 0.01, 20_000)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]string{"origin", "north"}))
		})

		It("should honour the radius boundary", func() {
			got, err := store.GeoRadius(ctx, "g", 0, 0.01, 2000)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]string{"origin"}))

			got, err = store.GeoRadius(ctx, "g", 0, 0.01, 500)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty())
		})

		It("should drop removed members", func() {
			Expect(store.Pipelined(ctx, func(p kv.Pipe) {
				p.GeoRem("g", "origin")
			})).To(Succeed())

			got, err := store.GeoRadius(ctx, "g", 0, 0, 1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty())
		})
	})

	Describe("streams", func() {
		It("should assign increasing ids and range after a cursor", func() {
			var ids []string
			for i := 0; i < 3; i++ {
				id, err := store.XAdd(ctx, "s", map[string]string{"i": strconv.Itoa(i)}, 0)
				Expect(err).NotTo(HaveOccurred())
				ids = append(ids, id)
			}

			got, err := store.XRange(ctx, "s", kv.StreamStart, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(3))

			got, err = store.XRange(ctx, "s", ids[0], 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
			Expect(got[0].ID).To(Equal(ids[1]))
			Expect(got[0].Fields["i"]).To(Equal("1"))

			rev, err := store.XRevRange(ctx, "s", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(rev).To(HaveLen(1))
			Expect(rev[0].ID).To(Equal(ids[2]))
		})

		It("should trim to the maximum length", func() {
			for i := 0; i < 10; i++ {
				_, err := store.XAdd(ctx, "s", map[string]string{"i": strconv.Itoa(i)}, 4)
				Expect(err).NotTo(HaveOccurred())
			}
			got, err := store.XRange(ctx, "s", kv.StreamStart, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(4))
			Expect(got[0].Fields["i"]).To(Equal("6"))
		})

		It("should wake blocked readers on append", func() {
			done := make(chan []kv.StreamEntry, 1)
			go func() {
				defer GinkgoRecover()
				got, err := store.XRead(ctx, "s", kv.StreamStart, 10, 5*time.Second)
				Expect(err).NotTo(HaveOccurred())
				done <- got
			}()

			time.Sleep(20 * time.Millisecond)
			_, err := store.XAdd(ctx, "s", map[string]string{"hello": "world"}, 0)
			Expect(err).NotTo(HaveOccurred())

			Eventually(done).Should(Receive(HaveLen(1)))
		})

		It("should return empty when the block window elapses", func() {
			got, err := store.XRead(ctx, "s", kv.StreamStart, 10, 10*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty())
		})

		It("should stop waiting when the context is canceled", func() {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			_, err := store.XRead(cctx, "s", kv.StreamStart, 10, time.Minute)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})
	})

	Describe("Close", func() {
		It("should fail later calls as unavailable", func() {
			Expect(store.Close()).To(Succeed())
			_, err := store.HGetAll(ctx, "h")
			Expect(errors.Is(err, kv.ErrUnavailable)).To(BeTrue())
			Expect(store.Ping(ctx)).To(MatchError(ContainSubstring("closed")))
		})
	})

	It("should count live keys", func() {
		Expect(store.Pipelined(ctx, func(p kv.Pipe) {
			for i := 0; i < 3; i++ {
				p.SAdd(fmt.Sprintf("set:%d", i), "x")
			}
		})).To(Succeed())
		Expect(store.Keys()).To(Equal(3))
	})
})
