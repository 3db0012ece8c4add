// Package influxdb records the history of published volume levels.
//
// It wraps the official influxdb-client-go v2 library. Every level the
// bridge publishes becomes one point:
//
//	volume,base_topic=home/office level=42i <timestamp>
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteVolume("home/office", 42, time.Now())
//
// Writes are non-blocking and batched according to influxdb.batch_size and
// influxdb.flush_interval; failures are reported through SetOnError.
package influxdb
