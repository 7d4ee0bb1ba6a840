package engine

import (
	"context"

	"github.com/dustin/go-humanize"

	"github.com/splax/pipectl/internal/domain"
)

// Components that feed the collection channels rather than tenant pipelines.
var excludedComponents = map[string]struct{}{
	"raw_logs":       {},
	"processed_logs": {},
}

const metricsQuery = `{
  sources {
    edges {
      node {
        componentId
        componentType
        metrics {
          receivedBytesTotal { receivedBytesTotal }
          receivedEventsTotal { receivedEventsTotal }
          sentEventsTotal { sentEventsTotal }
        }
      }
    }
  }
  transforms {
    edges {
      node {
        componentId
        componentType
        metrics {
          receivedEventsTotal { receivedEventsTotal }
          sentEventsTotal { sentEventsTotal }
        }
      }
    }
  }
  sinks {
    edges {
      node {
        componentId
        componentType
        metrics {
          receivedEventsTotal { receivedEventsTotal }
          sentBytesTotal { sentBytesTotal }
          sentEventsTotal { sentEventsTotal }
        }
      }
    }
  }
}`

type componentMetrics struct {
	ReceivedBytesTotal *struct {
		Value *float64 `json:"receivedBytesTotal"`
	} `json:"receivedBytesTotal"`
	ReceivedEventsTotal *struct {
		Value *float64 `json:"receivedEventsTotal"`
	} `json:"receivedEventsTotal"`
	SentEventsTotal *struct {
		Value *float64 `json:"sentEventsTotal"`
	} `json:"sentEventsTotal"`
	SentBytesTotal *struct {
		Value *float64 `json:"sentBytesTotal"`
	} `json:"sentBytesTotal"`
}

type componentConnection struct {
	Edges []struct {
		Node struct {
			ComponentID   string           `json:"componentId"`
			ComponentType string           `json:"componentType"`
			Metrics       componentMetrics `json:"metrics"`
		} `json:"node"`
	} `json:"edges"`
}

type metricsData struct {
	Sources    componentConnection `json:"sources"`
	Transforms componentConnection `json:"transforms"`
	Sinks      componentConnection `json:"sinks"`
}

// FetchMetrics returns throughput counters for every component of the org's
// running pipeline, keyed by component id. Collection channel sinks are left out.
func (c *Client) FetchMetrics(ctx context.Context, orgID string) (map[string]domain.MetricSample, error) {
	host, err := c.host(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var data metricsData
	if err := c.query(ctx, host, "metrics", metricsQuery, &data); err != nil {
		c.logger.Warn("engine metrics query failed", "org_id", orgID, "host", host, "err", err)
		return nil, err
	}

	observed := c.now().UTC()
	samples := make(map[string]domain.MetricSample)
	collect := func(kind domain.ComponentKind, conn componentConnection) {
		for _, edge := range conn.Edges {
			node := edge.Node
			if _, skip := excludedComponents[node.ComponentID]; skip || node.ComponentID == "" {
				continue
			}
			sample := domain.MetricSample{
				ComponentID:   node.ComponentID,
				ComponentType: node.ComponentType,
				Kind:          kind,
				ObservedAt:    observed,
			}
			m := node.Metrics
			if m.ReceivedEventsTotal != nil {
				sample.ReceivedEvents = m.ReceivedEventsTotal.Value
			}
			if m.SentEventsTotal != nil {
				sample.SentEvents = m.SentEventsTotal.Value
			}
			if kind == domain.KindSource && m.ReceivedBytesTotal != nil {
				sample.ReceivedBytes = m.ReceivedBytesTotal.Value
			}
			if kind == domain.KindSink && m.SentBytesTotal != nil {
				sample.SentBytes = m.SentBytesTotal.Value
			}
			samples[node.ComponentID] = sample
		}
	}
	collect(domain.KindSource, data.Sources)
	collect(domain.KindTransform, data.Transforms)
	collect(domain.KindSink, data.Sinks)

	var in, out float64
	for _, s := range samples {
		if s.ReceivedBytes != nil {
			in += *s.ReceivedBytes
		}
		if s.SentBytes != nil {
			out += *s.SentBytes
		}
	}
	c.logger.Debug("engine metrics fetched",
		"org_id", orgID,
		"components", len(samples),
		"received", humanize.Bytes(uint64(in)),
		"sent", humanize.Bytes(uint64(out)),
	)
	return samples, nil
}
