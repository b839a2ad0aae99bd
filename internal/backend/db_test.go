package backend_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/solarwatch/internal/backend"
)

var _ = Describe("Database", func() {
	valid := func() *backend.DBConfig {
		return &backend.DBConfig{
			Logger:   testLogger,
			Host:     "127.0.0.1",
			Port:     1,
			User:     "solarwatch",
			Password: "password",
			DBName:   "solarwatch",
			SSLMode:  "disable",
		}
	}

	Describe("NewDB", func() {
		It("should return error when config is nil", func() {
			db, err := backend.NewDB(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(db).To(BeNil())
		})

		DescribeTable("invalid configuration",
			func(mutate func(*backend.DBConfig), msg string) {
				cfg := valid()
				mutate(cfg)
				db, err := backend.NewDB(cfg)
				Expect(err).To(MatchError(ContainSubstring(msg)))
				Expect(db).To(BeNil())
			},
			Entry("nil logger", func(c *backend.DBConfig) { c.Logger = nil }, "logger"),
			Entry("empty host", func(c *backend.DBConfig) { c.Host = "" }, "host cannot be empty"),
			Entry("zero port", func(c *backend.DBConfig) { c.Port = 0 }, "port must be positive"),
		)

		It("should fail when nothing listens on the port", func() {
			db, err := backend.NewDB(valid())
			Expect(err).To(HaveOccurred())
			Expect(db).To(BeNil())
		})
	})

	Describe("CloseDB", func() {
		It("should handle a nil database", func() {
			Expect(backend.CloseDB(nil, nil)).To(Succeed())
		})
	})

	Describe("NewArchive", func() {
		It("should require a logger and a database", func() {
			_, err := backend.NewArchive(nil, nil, nil)
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))

			_, err = backend.NewArchive(testLogger, nil, nil)
			Expect(err).To(MatchError(ContainSubstring("database cannot be nil")))
		})
	})
})
