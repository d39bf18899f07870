package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder writes bridge and security metrics to InfluxDB. All writes go
// through the client's non-blocking write API, so a slow or down metrics
// backend never touches the transaction path.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewRecorder creates a recorder. Token may be empty for unauthenticated
// dev instances.
func NewRecorder(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
	}
}

// RecordRejection counts a security gate denial.
func (r *Recorder) RecordRejection(rule, severity string) {
	point := influxdb2.NewPoint("security_rejection",
		map[string]string{"rule": rule, "severity": severity},
		map[string]interface{}{"count": 1},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// RecordAnomalyScore samples an anomaly score.
func (r *Recorder) RecordAnomalyScore(score int) {
	point := influxdb2.NewPoint("anomaly_score",
		nil,
		map[string]interface{}{"score": score},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// RecordBridgeTx counts a bridge transaction status transition.
func (r *Recorder) RecordBridgeTx(direction, chainID, status string) {
	point := influxdb2.NewPoint("bridge_tx",
		map[string]string{"direction": direction, "chain": chainID, "status": status},
		map[string]interface{}{"count": 1},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// Close flushes buffered points and shuts the client down.
func (r *Recorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
