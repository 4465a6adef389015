package handlers

import (
	"bytes"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// MetricsHandler renders the process's Prometheus registry, both in the
// standard text exposition format and as JSON for dashboards that cannot
// scrape.
type MetricsHandler struct {
	gatherer prometheus.Gatherer
}

func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{gatherer: prometheus.DefaultGatherer}
}

// HandleText is GET /gateway/metrics.
func (h *MetricsHandler) HandleText(c *fiber.Ctx) error {
	families, err := h.gatherer.Gather()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("metrics gather failed")
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return c.Status(fiber.StatusInternalServerError).SendString("metrics encode failed")
		}
	}
	c.Set(fiber.HeaderContentType, string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	return c.Send(buf.Bytes())
}

// HandleJSON is GET /gateway/metrics/json.
func (h *MetricsHandler) HandleJSON(c *fiber.Ctx) error {
	families, err := h.gatherer.Gather()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "metrics gather failed"})
	}

	out := make(map[string]any, len(families))
	for _, family := range families {
		samples := make([]fiber.Map, 0, len(family.GetMetric()))
		for _, m := range family.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			sample := fiber.Map{"labels": labels}
			switch {
			case m.GetCounter() != nil:
				sample["value"] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sample["value"] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sample["count"] = m.GetHistogram().GetSampleCount()
				sample["sum"] = m.GetHistogram().GetSampleSum()
			case m.GetSummary() != nil:
				sample["count"] = m.GetSummary().GetSampleCount()
				sample["sum"] = m.GetSummary().GetSampleSum()
			}
			samples = append(samples, sample)
		}
		out[family.GetName()] = fiber.Map{
			"help":    family.GetHelp(),
			"type":    family.GetType().String(),
			"samples": samples,
		}
	}
	return c.JSON(out)
}
