// Package influxdb writes control room routing metrics to InfluxDB v2.
//
// Every broker event becomes one point in the "broker_frames" measurement:
//
//	broker_frames,source=thismodule,target=thatmodule,command=START,outcome=routed count=1i,payload_bytes=2i
//
// Outcomes are routed, dropped and sent. Writes are non-blocking and
// batched by the client library. Write errors surface through SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	dispatcher.Subscribe(influxdb.NewRecorder(client))
package influxdb
