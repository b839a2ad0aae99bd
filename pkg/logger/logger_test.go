package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/solarwatch/pkg/logger"
)

func decode(buf *bytes.Buffer) map[string]any {
	var entry map[string]any
	ExpectWithOffset(1, json.Unmarshal(buf.Bytes(), &entry)).To(Succeed())
	return entry
}

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("should fall back to defaults for a nil config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
		})

		It("should write JSON records with the standard keys", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf})
			log.Info("reading ingested", "site_id", 7, "wh_generated", 12.5)

			entry := decode(buf)
			Expect(entry).To(HaveKey("time"))
			Expect(entry).To(HaveKeyWithValue("level", "INFO"))
			Expect(entry).To(HaveKeyWithValue("msg", "reading ingested"))
			Expect(entry).To(HaveKeyWithValue("site_id", float64(7)))
			Expect(entry).To(HaveKeyWithValue("wh_generated", 12.5))
		})

		It("should attach the service name", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, Service: "solarwatch-serve"})
			log.Info("started")

			Expect(decode(buf)).To(HaveKeyWithValue("service", "solarwatch-serve"))
		})

		It("should write logfmt text when asked", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, Format: logger.FormatText})
			log.Info("started", "store", "memory")

			Expect(buf.String()).To(ContainSubstring(`msg=started`))
			Expect(buf.String()).To(ContainSubstring(`store=memory`))
		})

		It("should include the source position when enabled", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, AddSource: true})
			log.Info("with source")

			Expect(decode(buf)).To(HaveKey(slog.SourceKey))
		})
	})

	Describe("ParseLevel", func() {
		DescribeTable("level strings",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("upper case", "DEBUG", slog.LevelDebug),
			Entry("padded", "  error ", slog.LevelError),
			Entry("info", "info", slog.LevelInfo),
			Entry("warn", "warn", slog.LevelWarn),
			Entry("warning", "warning", slog.LevelWarn),
			Entry("unknown", "verbose", slog.LevelInfo),
			Entry("empty", "", slog.LevelInfo),
		)
	})

	Describe("ParseFormat", func() {
		It("should recognise text and default to json", func() {
			Expect(logger.ParseFormat("TEXT")).To(Equal(logger.FormatText))
			Expect(logger.ParseFormat("json")).To(Equal(logger.FormatJSON))
			Expect(logger.ParseFormat("")).To(Equal(logger.FormatJSON))
		})
	})

	DescribeTable("level filtering",
		func(level slog.Level, emit func(*slog.Logger), shouldAppear bool) {
			buf := &bytes.Buffer{}
			emit(logger.New(&logger.Config{Level: level, Output: buf}))
			Expect(len(strings.TrimSpace(buf.String())) > 0).To(Equal(shouldAppear))
		},
		Entry("debug at debug", slog.LevelDebug, func(l *slog.Logger) { l.Debug("d") }, true),
		Entry("debug at info", slog.LevelInfo, func(l *slog.Logger) { l.Debug("d") }, false),
		Entry("warn at info", slog.LevelInfo, func(l *slog.Logger) { l.Warn("w") }, true),
		Entry("info at error", slog.LevelError, func(l *slog.Logger) { l.Info("i") }, false),
	)

	Describe("WithContext", func() {
		It("should add the attributes to every record", func() {
			buf := &bytes.Buffer{}
			log := logger.WithContext(logger.New(&logger.Config{Output: buf}),
				slog.Int64("site_id", 42),
				slog.String("component", "feed"),
			)
			log.Info("mirrored")

			entry := decode(buf)
			Expect(entry).To(HaveKeyWithValue("site_id", float64(42)))
			Expect(entry).To(HaveKeyWithValue("component", "feed"))
		})
	})

	Describe("DefaultConfig", func() {
		It("should be Info level JSON without source", func() {
			cfg := logger.DefaultConfig()
			Expect(cfg.Level).To(Equal(slog.LevelInfo))
			Expect(cfg.Format).To(Equal(logger.FormatJSON))
			Expect(cfg.AddSource).To(BeFalse())
		})
	})
})
