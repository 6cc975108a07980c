package telemetry

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Units are encoded according to the case-sensitive abbreviations from the
// Unified Code for Units of Measure: http://unitsofmeasure.org/ucum.html.
const (
	unitDimensionless = "1"
	unitMilliseconds  = "ms"

	latencySuffix   = "/latency"
	completedSuffix = "/completed_calls"
)

// handlerLatencyBoundaries span fast acknowledgements up to handlers running for several lock renewals.
//
//nolint:gochecknoglobals // OpenTelemetry histogram boundaries must be global for reuse
var handlerLatencyBoundaries = []float64{
	0, 1, 2, 5, 10, 25, 50, 100, 250, 500,
	1_000, 2_500, 5_000, 10_000, 30_000, 60_000, 120_000, 300_000, 600_000,
}

func instrumentView(kind sdkmetric.InstrumentKind, name string, stream sdkmetric.Stream) sdkmetric.View {
	return func(inst sdkmetric.Instrument) (sdkmetric.Stream, bool) {
		if inst.Kind != kind || inst.Name != name {
			return sdkmetric.Stream{}, false
		}
		if stream.Name == "" {
			stream.Name = inst.Name
		}
		return stream, true
	}
}

// Views buckets pkg's latency histogram and derives a completed_calls count from it.
func Views(pkg string) []sdkmetric.View {
	latency := pkg + latencySuffix

	return []sdkmetric.View{
		instrumentView(sdkmetric.InstrumentKindHistogram, latency, sdkmetric.Stream{
			Description: "Distribution of handler latency by method.",
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: handlerLatencyBoundaries},
			AttributeFilter: func(kv attribute.KeyValue) bool {
				return kv.Key == AttrPackageKey || kv.Key == AttrMethodKey
			},
		}),
		instrumentView(sdkmetric.InstrumentKindHistogram, latency, sdkmetric.Stream{
			Name:        strings.Replace(latency, latencySuffix, completedSuffix, 1),
			Description: "Count of handled units by method and status.",
			Aggregation: sdkmetric.DefaultAggregationSelector(sdkmetric.InstrumentKindCounter),
			AttributeFilter: func(kv attribute.KeyValue) bool {
				return kv.Key == AttrMethodKey || kv.Key == AttrStatusKey
			},
		}),
	}
}

// CounterView sums the measurements of the counter pkg+meterName.
func CounterView(pkg string, meterName string, description string) []sdkmetric.View {
	return []sdkmetric.View{
		instrumentView(sdkmetric.InstrumentKindCounter, pkg+meterName, sdkmetric.Stream{
			Description: description,
			Aggregation: sdkmetric.DefaultAggregationSelector(sdkmetric.InstrumentKindCounter),
		}),
	}
}

func packageMeter(pkg string) metric.Meter {
	return otel.Meter(pkg, metric.WithInstrumentationAttributes(AttrPackageKey.String(pkg)))
}

// LatencyMeasure returns the histogram recording per call latency for a package.
func LatencyMeasure(pkg string) metric.Float64Histogram {
	m, err := packageMeter(pkg).Float64Histogram(
		pkg+latencySuffix,
		metric.WithDescription("Latency distribution of handled units"),
		metric.WithUnit(unitMilliseconds),
	)
	if err != nil {
		// Only invalid instrument names fail here.
		panic(fmt.Sprintf("latency measure for %q: %v", pkg, err))
	}
	return m
}

// DimensionlessMeasure creates a counter for dimensionless measurements such as settled messages.
func DimensionlessMeasure(pkg string, meterName string, description string) metric.Int64Counter {
	m, err := packageMeter(pkg).Int64Counter(
		pkg+meterName,
		metric.WithDescription(description),
		metric.WithUnit(unitDimensionless),
	)
	if err != nil {
		panic(fmt.Sprintf("counter %q for %q: %v", meterName, pkg, err))
	}
	return m
}
