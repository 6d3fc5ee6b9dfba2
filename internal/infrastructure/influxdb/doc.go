// Package influxdb records device telemetry in InfluxDB 2.x.
//
// Each report poll of a selected machine produces one device_status point
// (status id, progress, error label); session lifecycle events and the
// discovered device count are recorded as well. Writes are non-blocking
// and batched by the client library; failures arrive on the SetOnError
// callback.
//
// Telemetry is optional: Connect returns ErrDisabled when influxdb.enabled
// is false and callers carry on without it.
//
//	tc, err := influxdb.Connect(cfg.InfluxDB)
//	switch {
//	case errors.Is(err, influxdb.ErrDisabled):
//	case err != nil:
//	    return err
//	}
package influxdb
