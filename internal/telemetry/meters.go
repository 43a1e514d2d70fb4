package telemetry

import "go.opentelemetry.io/otel/metric"

type CounterType string

const (
	ExecutionStartedMeterName CounterType = "lazyload.execution.started"
	FaultPopulatedMeterName   CounterType = "lazyload.fault.populated"
	FaultDelegatedMeterName   CounterType = "lazyload.fault.delegated"
	FaultStaleMeterName       CounterType = "lazyload.fault.stale"
)

var counterDesc = map[CounterType]string{
	ExecutionStartedMeterName: "Number of started executions.",
	FaultPopulatedMeterName:   "Number of page faults satisfied by populating a page.",
	FaultDelegatedMeterName:   "Number of faults forwarded to the previous fault handler.",
	FaultStaleMeterName:       "Number of repeated fault messages for pages that were already installed.",
}

var counterUnits = map[CounterType]string{
	ExecutionStartedMeterName: "{execution}",
	FaultPopulatedMeterName:   "{page}",
	FaultDelegatedMeterName:   "{fault}",
	FaultStaleMeterName:       "{fault}",
}

func GetCounter(meter metric.Meter, name CounterType) (metric.Int64Counter, error) {
	desc := counterDesc[name]
	unit := counterUnits[name]

	return meter.Int64Counter(string(name),
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	)
}
