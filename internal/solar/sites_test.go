package solar_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/kv"
)

var _ = Describe("Sites", func() {
	for _, b := range backends {
		Context("on "+b.name, func() {
			var (
				ctx      context.Context
				store    kv.Store
				liveKeys func() int
				core     *solar.Core
			)

			BeforeEach(func() {
				ctx = context.Background()
				store, liveKeys = b.open()
				core = newCore(store)
			})

			It("should return an equal site after insert", func() {
				s := site(1, &solar.Coordinate{Lng: -122.26, Lat: 37.8})
				Expect(core.InsertSite(ctx, s)).To(Succeed())

				got, err := core.GetSite(ctx, 1)
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(s))
			})

			It("should keep a missing coordinate missing", func() {
				s := site(2, nil)
				Expect(core.InsertSite(ctx, s)).To(Succeed())

				got, err := core.GetSite(ctx, 2)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Coordinate).To(BeNil())
				Expect(got).To(Equal(s))
			})

			It("should reject a duplicate id", func() {
				Expect(core.InsertSite(ctx, site(1, nil))).To(Succeed())
				err := core.InsertSite(ctx, site(1, nil))
				Expect(errors.Is(err, solar.ErrDuplicateSite)).To(BeTrue())
			})

			It("should report unknown sites as not found", func() {
				_, err := core.GetSite(ctx, 42)
				Expect(errors.Is(err, solar.ErrSiteNotFound)).To(BeTrue())
			})

			DescribeTable("invalid sites are rejected before any write",
				func(s solar.Site, want error) {
					err := core.InsertSite(ctx, s)
					Expect(errors.Is(err, want)).To(BeTrue(), "got %v", err)
					Expect(liveKeys()).To(BeZero())
				},
				Entry("non-positive id", site(0, nil), solar.ErrInvalidSite),
				Entry("negative panels", func() solar.Site { s := site(1, nil); s.Panels = -1; return s }(), solar.ErrInvalidSite),
				Entry("longitude out of range", site(1, &solar.Coordinate{Lng: 181, Lat: 0}), solar.ErrInvalidCoordinate),
				Entry("latitude out of range", site(1, &solar.Coordinate{Lng: 0, Lat: -90.5}), solar.ErrInvalidCoordinate),
				Entry("latitude beyond the geo index limit", site(7, &solar.Coordinate{Lng: 10, Lat: 88}), solar.ErrInvalidCoordinate),
				Entry("latitude just past the southern geo limit", site(7, &solar.Coordinate{Lng: 10, Lat: -85.06}), solar.ErrInvalidCoordinate),
			)

			It("should accept a site exactly at the geo latitude limit", func() {
				polar := site(7, &solar.Coordinate{Lng: 10, Lat: solar.MaxGeoLatitude})
				Expect(core.InsertSite(ctx, polar)).To(Succeed())

				near, err := core.GeoSearch(ctx, solar.GeoQuery{Coordinate: solar.Coordinate{Lng: 10, Lat: 85}, Radius: 50, RadiusUnit: solar.Kilometers})
				Expect(err).NotTo(HaveOccurred())
				Expect(siteIDs(near)).To(Equal([]int64{7}))
			})

			It("should be insertable after a rejected polar insert", func() {
				err := core.InsertSite(ctx, site(7, &solar.Coordinate{Lng: 10, Lat: 88}))
				Expect(errors.Is(err, solar.ErrInvalidCoordinate)).To(BeTrue())

				_, err = core.GetSite(ctx, 7)
				Expect(errors.Is(err, solar.ErrSiteNotFound)).To(BeTrue())
				Expect(core.InsertSite(ctx, site(7, &solar.Coordinate{Lng: 10, Lat: 80}))).To(Succeed())
			})

			It("should list all sites", func() {
				insertSites(ctx, core, site(1, nil), site(2, nil), site(3, &solar.Coordinate{Lng: 1, Lat: 1}))

				sites, err := core.ListSites(ctx)
				Expect(err).NotTo(HaveOccurred())
				ids := []int64{}
				for _, s := range sites {
					ids = append(ids, s.ID)
				}
				Expect(ids).To(ConsistOf(int64(1), int64(2), int64(3)))
			})

			Describe("UpdateSite", func() {
				It("should replace metadata and move the geo entry", func() {
					insertSites(ctx, core, site(1, &solar.Coordinate{Lng: 0, Lat: 0}))

					updated := site(1, &solar.Coordinate{Lng: 50, Lat: 50})
					updated.City = "Berkeley"
					Expect(core.UpdateSite(ctx, updated)).To(Succeed())

					got, err := core.GetSite(ctx, 1)
					Expect(err).NotTo(HaveOccurred())
					Expect(got).To(Equal(updated))

					near, err := core.GeoSearch(ctx, solar.GeoQuery{Coordinate: solar.Coordinate{Lng: 0, Lat: 0}, Radius: 10, RadiusUnit: solar.Kilometers})
					Expect(err).NotTo(HaveOccurred())
					Expect(near).To(BeEmpty())
				})

				It("should drop the geo entry when the coordinate is removed", func() {
					insertSites(ctx, core, site(1, &solar.Coordinate{Lng: 0, Lat: 0}))
					Expect(core.UpdateSite(ctx, site(1, nil))).To(Succeed())

					got, err := core.GetSite(ctx, 1)
					Expect(err).NotTo(HaveOccurred())
					Expect(got.Coordinate).To(BeNil())

					near, err := core.GeoSearch(ctx, solar.GeoQuery{Coordinate: solar.Coordinate{Lng: 0, Lat: 0}, Radius: 1, RadiusUnit: solar.Kilometers})
					Expect(err).NotTo(HaveOccurred())
					Expect(near).To(BeEmpty())
				})

				It("should leave the site untouched when moved past the geo latitude limit", func() {
					original := site(1, &solar.Coordinate{Lng: 0, Lat: 0})
					insertSites(ctx, core, original)

					err := core.UpdateSite(ctx, site(1, &solar.Coordinate{Lng: 0, Lat: 88}))
					Expect(errors.Is(err, solar.ErrInvalidCoordinate)).To(BeTrue())

					got, err := core.GetSite(ctx, 1)
					Expect(err).NotTo(HaveOccurred())
					Expect(got).To(Equal(original))
				})

				It("should fail for unknown sites", func() {
					err := core.UpdateSite(ctx, site(7, nil))
					Expect(errors.Is(err, solar.ErrSiteNotFound)).To(BeTrue())
				})
			})

			Describe("UpdateCapacity", func() {
				It("should overwrite only the capacity field", func() {
					keys := testKeys()
					sites := solar.NewSiteStore(store, keys)
					Expect(sites.Insert(ctx, site(1, nil))).To(Succeed())

					Expect(sites.UpdateCapacity(ctx, 1, -2.25)).To(Succeed())

					got, err := sites.Get(ctx, 1)
					Expect(err).NotTo(HaveOccurred())
					Expect(got.Capacity).To(Equal(-2.25))
					Expect(got.City).To(Equal("Oakland"))

					err = sites.UpdateCapacity(ctx, 2, 1)
					Expect(errors.Is(err, solar.ErrSiteNotFound)).To(BeTrue())
				})
			})

			Describe("DeleteSite", func() {
				It("should remove the site and every index entry", func() {
					origin := &solar.Coordinate{Lng: 0, Lat: 0}
					insertSites(ctx, core, site(1, origin), site(2, origin))
					Expect(core.IngestReading(ctx, reading(1, 10, 2, at(0)))).To(Succeed())
					Expect(core.IngestReading(ctx, reading(2, 10, 1, at(0)))).To(Succeed())

					Expect(core.DeleteSite(ctx, 1)).To(Succeed())

					_, err := core.GetSite(ctx, 1)
					Expect(errors.Is(err, solar.ErrSiteNotFound)).To(BeTrue())

					_, err = core.GetSiteStats(ctx, 1)
					Expect(errors.Is(err, solar.ErrSiteNotFound)).To(BeTrue())

					report, err := core.GetCapacityReport(ctx, 10, 10)
					Expect(err).NotTo(HaveOccurred())
					Expect(report.HighestCapacity).To(Equal([]solar.SiteCapacity{{SiteID: 2, Capacity: 9}}))
					Expect(report.LowestCapacity).To(Equal([]solar.SiteCapacity{{SiteID: 2, Capacity: 9}}))

					near, err := core.GeoSearch(ctx, solar.GeoQuery{Coordinate: *origin, Radius: 1, RadiusUnit: solar.Kilometers})
					Expect(err).NotTo(HaveOccurred())
					Expect(near).To(HaveLen(1))
					Expect(near[0].ID).To(Equal(int64(2)))

					sites, err := core.ListSites(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(sites).To(HaveLen(1))
				})

				It("should reject further readings for a deleted site", func() {
					insertSites(ctx, core, site(1, nil))
					Expect(core.DeleteSite(ctx, 1)).To(Succeed())

					err := core.IngestReading(ctx, reading(1, 1, 1, at(0)))
					Expect(errors.Is(err, solar.ErrSiteNotFound)).To(BeTrue())
				})

				It("should fail for unknown sites", func() {
					err := core.DeleteSite(ctx, 3)
					Expect(errors.Is(err, solar.ErrSiteNotFound)).To(BeTrue())
				})

				It("should sweep entries left behind by an earlier delete", func() {
					keys := testKeys()
					Expect(store.Pipelined(ctx, func(p kv.Pipe) {
						p.HSet(keys.SiteStatsKey(3), map[string]string{"meter_reading_count": "1"})
						p.SAdd(keys.SiteIDsKey(), "3")
						p.ZAdd(keys.CapacityRankingKey(), kv.ScoredMember{Member: "3", Score: 2})
						p.GeoAdd(keys.SiteGeoKey(), "3", 0, 0)
					})).To(Succeed())
					Expect(liveKeys()).NotTo(BeZero())

					err := core.DeleteSite(ctx, 3)
					Expect(errors.Is(err, solar.ErrSiteNotFound)).To(BeTrue())
					Expect(liveKeys()).To(BeZero())

					report, err := core.GetCapacityReport(ctx, 10, 10)
					Expect(err).NotTo(HaveOccurred())
					Expect(report.HighestCapacity).To(BeEmpty())
				})

				It("should report a failed cleanup as a partial delete", func() {
					insertSites(ctx, core, site(1, nil))

					broken := newCore(&failingPipelineStore{
						Store: store,
						err:   errors.Join(kv.ErrUnavailable, errInjected),
					})
					err := broken.DeleteSite(ctx, 1)
					Expect(errors.Is(err, solar.ErrPartialDelete)).To(BeTrue())

					var partial *solar.PartialDeleteError
					Expect(errors.As(err, &partial)).To(BeTrue())
					Expect(partial.SiteID).To(Equal(int64(1)))
					Expect(errors.Is(err, solar.ErrBackendUnavailable)).To(BeTrue())
					Expect(errors.Is(err, errInjected)).To(BeTrue())
				})
			})
		})
	}
})
